package db

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/raphaelgruber/enrich/internal/models"
)

var propertyKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// whereClause compiles a predicate into a SurrealQL WHERE clause and its
// query variables. An unconstrained predicate yields an empty clause.
// Property keys are interpolated and must be plain identifiers; every value
// is passed as a variable.
func whereClause(pred models.Predicate) (string, map[string]any, error) {
	var conds []string
	vars := map[string]any{}

	if pred.EntityType != "" {
		conds = append(conds, "type = $type")
		vars["type"] = pred.EntityType
	}
	if pred.Provenance != "" {
		conds = append(conds, "provenance = $provenance")
		vars["provenance"] = pred.Provenance
	}

	keys := make([]string, 0, len(pred.Properties))
	for k := range pred.Properties {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for i, k := range keys {
		if !propertyKey.MatchString(k) {
			return "", nil, errors.Wrapf(ErrInvalidPredicate, "property key %q", k)
		}
		name := fmt.Sprintf("prop%d", i)
		conds = append(conds, fmt.Sprintf("properties.%s = $%s", k, name))
		vars[name] = pred.Properties[k]
	}

	if !pred.HasAll.IsEmpty() {
		conds = append(conds, "labels CONTAINSALL $has_all")
		vars["has_all"] = pred.HasAll.Strings()
	}
	if !pred.LacksAll.IsEmpty() {
		conds = append(conds, "!(labels CONTAINSALL $lacks_all)")
		vars["lacks_all"] = pred.LacksAll.Strings()
	}

	if len(conds) == 0 {
		return "", vars, nil
	}
	return "WHERE " + strings.Join(conds, " AND "), vars, nil
}
