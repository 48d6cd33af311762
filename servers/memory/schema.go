package memory

// Entity is a node of the knowledge graph.
type Entity struct {
	Name         string   `json:"name" jsonschema:"description=The name of the entity"`
	EntityType   string   `json:"entityType" jsonschema:"description=The type of the entity"`
	Observations []string `json:"observations" jsonschema:"description=Observation contents associated with the entity"`
}

// Relation is a directed edge between two entities. Relations are stored in active voice.
type Relation struct {
	From         string `json:"from" jsonschema:"description=The name of the entity where the relation starts"`
	To           string `json:"to" jsonschema:"description=The name of the entity where the relation ends"`
	RelationType string `json:"relationType" jsonschema:"description=The type of the relation"`
}

// Observations adds contents to an existing entity.
type Observations struct {
	EntityName string   `json:"entityName" jsonschema:"description=The name of the entity to add the observations to"`
	Contents   []string `json:"contents" jsonschema:"description=The observation contents to add"`
}

// ObservationDeletion removes observations from an entity.
type ObservationDeletion struct {
	EntityName   string   `json:"entityName" jsonschema:"description=The name of the entity containing the observations"`
	Observations []string `json:"observations" jsonschema:"description=The observations to delete"`
}

// KnowledgeGraph is a set of entities and the relations between them.
type KnowledgeGraph struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// CreateEntitiesArgs is an argument struct for the create_entities tool.
type CreateEntitiesArgs struct {
	Entities []Entity `json:"entities"`
}

// CreateRelationsArgs is an argument struct for the create_relations tool.
type CreateRelationsArgs struct {
	Relations []Relation `json:"relations"`
}

// AddObservationsArgs is an argument struct for the add_observations tool.
type AddObservationsArgs struct {
	Observations []Observations `json:"observations"`
}

// DeleteEntitiesArgs is an argument struct for the delete_entities tool.
type DeleteEntitiesArgs struct {
	EntityNames []string `json:"entityNames" jsonschema:"description=The names of the entities to delete"`
}

// DeleteObservationsArgs is an argument struct for the delete_observations tool.
type DeleteObservationsArgs struct {
	Deletions []ObservationDeletion `json:"deletions"`
}

// DeleteRelationsArgs is an argument struct for the delete_relations tool.
type DeleteRelationsArgs struct {
	Relations []Relation `json:"relations"`
}

// SearchNodesArgs is an argument struct for the search_nodes tool.
type SearchNodesArgs struct {
	Query string `json:"query" jsonschema:"description=Matched against entity names, types and observations"`
}

// OpenNodesArgs is an argument struct for the open_nodes tool.
type OpenNodesArgs struct {
	Names []string `json:"names" jsonschema:"description=The names of the entities to retrieve"`
}
