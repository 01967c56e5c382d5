// Package weaviatestore keeps checkpoint records as objects of a Weaviate class.
//
// The full record is stored as a JSON payload; the identifying fields are
// duplicated into filterable properties so phase/wave scans run server side.
package weaviatestore

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/raphaelgruber/enrich/internal/checkpoint"
	"github.com/raphaelgruber/enrich/internal/models"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	wvmodels "github.com/weaviate/weaviate/entities/models"
)

// DefaultClass is the class checkpoints are written to.
const DefaultClass = "MutationCheckpoint"

// maxScan caps unbounded scans at Weaviate's default query maximum.
const maxScan = 10000

// Config holds connection settings.
type Config struct {
	// URL is the Weaviate server URL (e.g., "http://localhost:8080").
	URL string

	// Class is the checkpoint class name. Defaults to DefaultClass.
	Class string

	Logger *slog.Logger
}

// Store is a checkpoint.Backend over Weaviate.
type Store struct {
	client *weaviate.Client
	class  string
	logger *slog.Logger
}

var _ checkpoint.Backend = (*Store)(nil)

// New connects to Weaviate and ensures the checkpoint class exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("weaviate url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse weaviate url %q", cfg.URL)
	}
	if cfg.Class == "" {
		cfg.Class = DefaultClass
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   u.Host,
		Scheme: u.Scheme,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create weaviate client")
	}

	s := &Store{
		client: client,
		class:  cfg.Class,
		logger: cfg.Logger.With("component", "weaviate", "class", cfg.Class),
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Schema returns the class definition for checkpoint objects.
func Schema(class string) *wvmodels.Class {
	filterable := true
	text := func(name, desc string) *wvmodels.Property {
		return &wvmodels.Property{
			Name:            name,
			Description:     desc,
			DataType:        []string{"text"},
			Tokenization:    "field",
			IndexFilterable: &filterable,
		}
	}
	return &wvmodels.Class{
		Class:       class,
		Description: "An immutable snapshot of aggregate graph state taken around a mutation.",
		Vectorizer:  "none",
		Properties: []*wvmodels.Property{
			text("checkpoint_id", "Checkpoint identifier."),
			text("operation_name", "Operation that created the checkpoint."),
			text("phase", "Phase tag."),
			text("wave", "Wave tag."),
			text("status", "Lifecycle status, always CREATED."),
			{
				Name:            "timestamp",
				Description:     "Creation time (UTC).",
				DataType:        []string{"date"},
				IndexFilterable: &filterable,
			},
			{
				Name:        "payload",
				Description: "Full checkpoint record as JSON.",
				DataType:    []string{"text"},
			},
		},
	}
}

// EnsureSchema creates the checkpoint class if it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.client.Schema().ClassGetter().WithClassName(s.class).Do(ctx); err == nil {
		s.logger.Debug("schema already exists")
		return nil
	}
	s.logger.Info("schema not found, creating it")
	if err := s.client.Schema().ClassCreator().WithClass(Schema(s.class)).Do(ctx); err != nil {
		return errors.Wrapf(err, "create class %s", s.class)
	}
	return nil
}

// Put writes cp as a new object whose UUID is the checkpoint id.
func (s *Store) Put(ctx context.Context, cp *models.Checkpoint) error {
	exists, err := s.client.Data().Checker().
		WithClassName(s.class).
		WithID(cp.ID).
		Do(ctx)
	if err != nil {
		return errors.Wrapf(err, "check checkpoint %s", cp.ID)
	}
	if exists {
		return errors.Wrapf(checkpoint.ErrAlreadyExists, "id %s", cp.ID)
	}

	props, err := properties(cp)
	if err != nil {
		return err
	}
	_, err = s.client.Data().Creator().
		WithClassName(s.class).
		WithID(cp.ID).
		WithProperties(props).
		Do(ctx)
	if err != nil {
		return errors.Wrapf(err, "create checkpoint object %s", cp.ID)
	}
	return nil
}

// Get returns the records for ids that exist.
func (s *Store) Get(ctx context.Context, ids []string) ([]*models.Checkpoint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	resp, err := s.client.GraphQL().Get().
		WithClassName(s.class).
		WithWhere(idFilter(ids)).
		WithLimit(len(ids)).
		WithFields(graphql.Field{Name: "payload"}).
		Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "query checkpoints by id")
	}
	return decodeResponse(resp, s.class)
}

// Scan returns up to limit records matching filter, newest first.
func (s *Store) Scan(ctx context.Context, filter models.CheckpointFilter, limit int) ([]*models.Checkpoint, error) {
	if limit <= 0 || limit > maxScan {
		limit = maxScan
	}
	q := s.client.GraphQL().Get().
		WithClassName(s.class).
		WithSort(graphql.Sort{Path: []string{"timestamp"}, Order: graphql.Desc}).
		WithLimit(limit).
		WithFields(graphql.Field{Name: "payload"})
	if where := scanFilter(filter); where != nil {
		q = q.WithWhere(where)
	}
	resp, err := q.Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "scan checkpoints")
	}
	return decodeResponse(resp, s.class)
}

func properties(cp *models.Checkpoint) (map[string]any, error) {
	payload, err := json.Marshal(cp)
	if err != nil {
		return nil, errors.Wrap(err, "encode checkpoint")
	}
	return map[string]any{
		"checkpoint_id":  cp.ID,
		"operation_name": cp.OperationName,
		"phase":          cp.Phase,
		"wave":           cp.Wave,
		"status":         string(cp.Status),
		"timestamp":      cp.Timestamp.UTC().Format(time.RFC3339Nano),
		"payload":        string(payload),
	}, nil
}

func equals(path, value string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{path}).
		WithOperator(filters.Equal).
		WithValueText(value)
}

func idFilter(ids []string) *filters.WhereBuilder {
	if len(ids) == 1 {
		return equals("checkpoint_id", ids[0])
	}
	operands := make([]*filters.WhereBuilder, 0, len(ids))
	for _, id := range ids {
		operands = append(operands, equals("checkpoint_id", id))
	}
	return filters.Where().
		WithOperator(filters.Or).
		WithOperands(operands)
}

func scanFilter(f models.CheckpointFilter) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder
	if f.Phase != nil {
		operands = append(operands, equals("phase", *f.Phase))
	}
	if f.Wave != nil {
		operands = append(operands, equals("wave", *f.Wave))
	}
	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().
			WithOperator(filters.And).
			WithOperands(operands)
	}
}

type payloadObject struct {
	Payload string `json:"payload"`
}

// decodeResponse unpacks {"Get": {"<class>": [{"payload": "..."}]}}.
func decodeResponse(resp *wvmodels.GraphQLResponse, class string) ([]*models.Checkpoint, error) {
	if resp == nil {
		return nil, nil
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		return nil, errors.Newf("graphql errors: %v", msgs)
	}
	if resp.Data == nil {
		return nil, nil
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, errors.Wrap(err, "marshal response data")
	}
	var result struct {
		Get map[string][]payloadObject `json:"Get"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "unmarshal checkpoint query")
	}

	objs := result.Get[class]
	out := make([]*models.Checkpoint, 0, len(objs))
	for _, obj := range objs {
		var cp models.Checkpoint
		if err := json.Unmarshal([]byte(obj.Payload), &cp); err != nil {
			return nil, errors.Wrap(err, "decode checkpoint payload")
		}
		out = append(out, &cp)
	}
	return out, nil
}
