package memory

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
)

// store persists the graph as JSON Lines, one entity or relation per line. Every operation
// loads and rewrites the whole file under mu, so the file stays the single source of truth.
type store struct {
	mu   sync.Mutex
	path string
}

type storeLine struct {
	Type string `json:"type"`

	Name         string   `json:"name,omitempty"`
	EntityType   string   `json:"entityType,omitempty"`
	Observations []string `json:"observations,omitempty"`

	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	RelationType string `json:"relationType,omitempty"`
}

func (s *store) load() (KnowledgeGraph, error) {
	graph := KnowledgeGraph{Entities: []Entity{}, Relations: []Relation{}}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return graph, nil
		}
		return KnowledgeGraph{}, fmt.Errorf("failed to read memory file %s: %w", s.path, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for n := 1; scanner.Scan(); n++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var item storeLine
		if err := json.Unmarshal(line, &item); err != nil {
			return KnowledgeGraph{}, fmt.Errorf("memory file %s line %d: %w", s.path, n, err)
		}
		switch item.Type {
		case "entity":
			graph.Entities = append(graph.Entities, Entity{
				Name:         item.Name,
				EntityType:   item.EntityType,
				Observations: item.Observations,
			})
		case "relation":
			graph.Relations = append(graph.Relations, Relation{
				From:         item.From,
				To:           item.To,
				RelationType: item.RelationType,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return KnowledgeGraph{}, fmt.Errorf("failed to scan memory file %s: %w", s.path, err)
	}
	return graph, nil
}

func (s *store) save(graph KnowledgeGraph) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range graph.Entities {
		if err := enc.Encode(storeLine{Type: "entity", Name: e.Name, EntityType: e.EntityType, Observations: e.Observations}); err != nil {
			return err
		}
	}
	for _, r := range graph.Relations {
		if err := enc.Encode(storeLine{Type: "relation", From: r.From, To: r.To, RelationType: r.RelationType}); err != nil {
			return err
		}
	}

	// The file is replaced atomically.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write memory file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace memory file: %w", err)
	}
	return nil
}

// update loads the graph, applies fn and saves the result when fn succeeds.
func (s *store) update(fn func(*KnowledgeGraph) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	graph, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(&graph); err != nil {
		return err
	}
	return s.save(graph)
}

func (s *store) read() (KnowledgeGraph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *store) createEntities(entities []Entity) ([]Entity, error) {
	created := []Entity{}
	err := s.update(func(g *KnowledgeGraph) error {
		for _, e := range entities {
			if e.Name == "" {
				return errors.New("entity name must not be empty")
			}
			if slices.ContainsFunc(g.Entities, func(existing Entity) bool { return existing.Name == e.Name }) {
				continue
			}
			if e.Observations == nil {
				e.Observations = []string{}
			}
			g.Entities = append(g.Entities, e)
			created = append(created, e)
		}
		return nil
	})
	return created, err
}

func (s *store) createRelations(relations []Relation) ([]Relation, error) {
	created := []Relation{}
	err := s.update(func(g *KnowledgeGraph) error {
		for _, r := range relations {
			if slices.Contains(g.Relations, r) {
				continue
			}
			g.Relations = append(g.Relations, r)
			created = append(created, r)
		}
		return nil
	})
	return created, err
}

func (s *store) addObservations(additions []Observations) ([]Observations, error) {
	results := []Observations{}
	err := s.update(func(g *KnowledgeGraph) error {
		for _, add := range additions {
			i := slices.IndexFunc(g.Entities, func(e Entity) bool { return e.Name == add.EntityName })
			if i < 0 {
				return fmt.Errorf("entity with name %s not found", add.EntityName)
			}

			added := []string{}
			for _, content := range add.Contents {
				if slices.Contains(g.Entities[i].Observations, content) {
					continue
				}
				g.Entities[i].Observations = append(g.Entities[i].Observations, content)
				added = append(added, content)
			}
			results = append(results, Observations{EntityName: add.EntityName, Contents: added})
		}
		return nil
	})
	return results, err
}

// deleteEntities removes the named entities together with every relation touching them.
func (s *store) deleteEntities(names []string) error {
	return s.update(func(g *KnowledgeGraph) error {
		g.Entities = slices.DeleteFunc(g.Entities, func(e Entity) bool {
			return slices.Contains(names, e.Name)
		})
		g.Relations = slices.DeleteFunc(g.Relations, func(r Relation) bool {
			return slices.Contains(names, r.From) || slices.Contains(names, r.To)
		})
		return nil
	})
}

func (s *store) deleteObservations(deletions []ObservationDeletion) error {
	return s.update(func(g *KnowledgeGraph) error {
		for _, d := range deletions {
			i := slices.IndexFunc(g.Entities, func(e Entity) bool { return e.Name == d.EntityName })
			if i < 0 {
				continue
			}
			g.Entities[i].Observations = slices.DeleteFunc(g.Entities[i].Observations, func(o string) bool {
				return slices.Contains(d.Observations, o)
			})
		}
		return nil
	})
}

func (s *store) deleteRelations(relations []Relation) error {
	return s.update(func(g *KnowledgeGraph) error {
		g.Relations = slices.DeleteFunc(g.Relations, func(r Relation) bool {
			return slices.Contains(relations, r)
		})
		return nil
	})
}

// searchNodes returns the entities whose name, type or observations contain query, ignoring
// case, with the relations between them.
func (s *store) searchNodes(query string) (KnowledgeGraph, error) {
	graph, err := s.read()
	if err != nil {
		return KnowledgeGraph{}, err
	}

	q := strings.ToLower(query)
	matches := func(text string) bool { return strings.Contains(strings.ToLower(text), q) }

	return subgraph(graph, func(e Entity) bool {
		return matches(e.Name) || matches(e.EntityType) || slices.ContainsFunc(e.Observations, matches)
	}), nil
}

func (s *store) openNodes(names []string) (KnowledgeGraph, error) {
	graph, err := s.read()
	if err != nil {
		return KnowledgeGraph{}, err
	}
	return subgraph(graph, func(e Entity) bool { return slices.Contains(names, e.Name) }), nil
}

// subgraph keeps the entities accepted by keep and the relations whose ends are both kept.
func subgraph(graph KnowledgeGraph, keep func(Entity) bool) KnowledgeGraph {
	result := KnowledgeGraph{Entities: []Entity{}, Relations: []Relation{}}
	kept := make(map[string]bool)
	for _, e := range graph.Entities {
		if keep(e) {
			result.Entities = append(result.Entities, e)
			kept[e.Name] = true
		}
	}
	for _, r := range graph.Relations {
		if kept[r.From] && kept[r.To] {
			result.Relations = append(result.Relations, r)
		}
	}
	return result
}
