package memory

import (
	"context"

	"github.com/TangGee/mcpkit"
)

// Tools returns the definitions of every memory tool, bound to s.
func (s *Server) Tools() []mcp.ToolDefinition {
	readOnly := mcp.WithToolAnnotations(mcp.ToolAnnotations{ReadOnlyHint: boolPtr(true)})
	destructive := mcp.WithToolAnnotations(mcp.ToolAnnotations{DestructiveHint: boolPtr(true)})

	return []mcp.ToolDefinition{
		mcp.NewTool("create_entities", "Create multiple new entities in the knowledge graph.",
			func(_ context.Context, args CreateEntitiesArgs) ([]Entity, error) {
				created, err := s.store.createEntities(args.Entities)
				if err != nil {
					return nil, err
				}
				s.changed("create_entities")
				return created, nil
			}),
		mcp.NewTool("create_relations",
			"Create multiple new relations between entities in the knowledge graph. Relations should be in active voice.",
			func(_ context.Context, args CreateRelationsArgs) ([]Relation, error) {
				created, err := s.store.createRelations(args.Relations)
				if err != nil {
					return nil, err
				}
				s.changed("create_relations")
				return created, nil
			}),
		mcp.NewTool("add_observations", "Add new observations to existing entities in the knowledge graph.",
			func(_ context.Context, args AddObservationsArgs) ([]Observations, error) {
				added, err := s.store.addObservations(args.Observations)
				if err != nil {
					return nil, err
				}
				s.changed("add_observations")
				return added, nil
			}),
		mcp.NewTool("delete_entities",
			"Delete multiple entities and their associated relations from the knowledge graph.",
			func(_ context.Context, args DeleteEntitiesArgs) (string, error) {
				if err := s.store.deleteEntities(args.EntityNames); err != nil {
					return "", err
				}
				s.changed("delete_entities")
				return "Entities deleted successfully", nil
			}, destructive),
		mcp.NewTool("delete_observations", "Delete specific observations from entities in the knowledge graph.",
			func(_ context.Context, args DeleteObservationsArgs) (string, error) {
				if err := s.store.deleteObservations(args.Deletions); err != nil {
					return "", err
				}
				s.changed("delete_observations")
				return "Observations deleted successfully", nil
			}, destructive),
		mcp.NewTool("delete_relations", "Delete multiple relations from the knowledge graph.",
			func(_ context.Context, args DeleteRelationsArgs) (string, error) {
				if err := s.store.deleteRelations(args.Relations); err != nil {
					return "", err
				}
				s.changed("delete_relations")
				return "Relations deleted successfully", nil
			}, destructive),
		mcp.NewTool("read_graph", "Read the entire knowledge graph.",
			func(context.Context, struct{}) (KnowledgeGraph, error) {
				return s.store.read()
			}, readOnly),
		mcp.NewTool("search_nodes", "Search for nodes in the knowledge graph based on a query.",
			func(_ context.Context, args SearchNodesArgs) (KnowledgeGraph, error) {
				return s.store.searchNodes(args.Query)
			}, readOnly),
		mcp.NewTool("open_nodes", "Open specific nodes in the knowledge graph by their names.",
			func(_ context.Context, args OpenNodesArgs) (KnowledgeGraph, error) {
				return s.store.openNodes(args.Names)
			}, readOnly),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
