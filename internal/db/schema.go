package db

// SchemaSQL defines the entity graph the enrichment engine works on.
// Labels default to an empty array so label predicates never see NONE.
const SchemaSQL = `
    -- ==========================================================================
    -- ENTITY TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS entity SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS type ON entity TYPE string;
    DEFINE FIELD IF NOT EXISTS provenance ON entity TYPE string;
    DEFINE FIELD IF NOT EXISTS labels ON entity TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS properties ON entity TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS created ON entity TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS entity_type ON entity FIELDS type;
    DEFINE INDEX IF NOT EXISTS entity_provenance ON entity FIELDS provenance;
    DEFINE INDEX IF NOT EXISTS entity_type_provenance ON entity FIELDS type, provenance;
    DEFINE INDEX IF NOT EXISTS entity_labels ON entity FIELDS labels;

    -- ==========================================================================
    -- RELATIONS TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS relates TYPE RELATION IN entity OUT entity SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS rel_type ON relates TYPE string;
    DEFINE FIELD IF NOT EXISTS created ON relates TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS unique_key ON relates VALUE <string>string::concat(<string>in, <string>out, rel_type);
    DEFINE INDEX IF NOT EXISTS unique_relation ON relates FIELDS unique_key UNIQUE;
`
