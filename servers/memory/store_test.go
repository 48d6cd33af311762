package memory

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStoreOperations(t *testing.T) {
	s := newTestStore(t)

	graph, err := s.read()
	if err != nil {
		t.Fatalf("failed to load empty graph: %v", err)
	}
	if len(graph.Entities) != 0 || len(graph.Relations) != 0 {
		t.Errorf("expected empty graph, got %+v", graph)
	}

	created, err := s.createEntities([]Entity{
		{Name: "Alice", EntityType: "Person", Observations: []string{"Likes coffee"}},
		{Name: "Bob", EntityType: "Person", Observations: []string{"Likes tea"}},
	})
	if err != nil {
		t.Fatalf("failed to create entities: %v", err)
	}
	if len(created) != 2 {
		t.Errorf("expected 2 created entities, got %d", len(created))
	}

	relations, err := s.createRelations([]Relation{{From: "Alice", To: "Bob", RelationType: "knows"}})
	if err != nil {
		t.Fatalf("failed to create relations: %v", err)
	}
	if len(relations) != 1 {
		t.Errorf("expected 1 created relation, got %d", len(relations))
	}

	added, err := s.addObservations([]Observations{
		{EntityName: "Alice", Contents: []string{"Likes coffee", "Works remotely"}},
	})
	if err != nil {
		t.Fatalf("failed to add observations: %v", err)
	}
	want := []Observations{{EntityName: "Alice", Contents: []string{"Works remotely"}}}
	if diff := cmp.Diff(want, added); diff != "" {
		t.Errorf("added observations mismatch (-want +got):\n%s", diff)
	}

	found, err := s.searchNodes("REMOTE")
	if err != nil {
		t.Fatalf("failed to search nodes: %v", err)
	}
	if len(found.Entities) != 1 || found.Entities[0].Name != "Alice" {
		t.Errorf("expected Alice to match, got %+v", found.Entities)
	}
	if len(found.Relations) != 0 {
		t.Errorf("expected no relation with a single matched end, got %+v", found.Relations)
	}

	opened, err := s.openNodes([]string{"Alice", "Bob"})
	if err != nil {
		t.Fatalf("failed to open nodes: %v", err)
	}
	if len(opened.Entities) != 2 || len(opened.Relations) != 1 {
		t.Errorf("expected both entities and their relation, got %+v", opened)
	}

	if err := s.deleteObservations([]ObservationDeletion{
		{EntityName: "Alice", Observations: []string{"Likes coffee"}},
	}); err != nil {
		t.Fatalf("failed to delete observations: %v", err)
	}
	opened, err = s.openNodes([]string{"Alice"})
	if err != nil {
		t.Fatalf("failed to open nodes: %v", err)
	}
	if diff := cmp.Diff([]string{"Works remotely"}, opened.Entities[0].Observations); diff != "" {
		t.Errorf("observations mismatch (-want +got):\n%s", diff)
	}

	if err := s.deleteEntities([]string{"Bob"}); err != nil {
		t.Fatalf("failed to delete entities: %v", err)
	}
	graph, err = s.read()
	if err != nil {
		t.Fatalf("failed to read graph: %v", err)
	}
	if len(graph.Entities) != 1 || len(graph.Relations) != 0 {
		t.Errorf("expected Bob and his relations to be gone, got %+v", graph)
	}
}

func TestStoreDuplicates(t *testing.T) {
	s := newTestStore(t)

	alice := Entity{Name: "Alice", EntityType: "Person", Observations: []string{}}
	if _, err := s.createEntities([]Entity{alice}); err != nil {
		t.Fatalf("failed to create entity: %v", err)
	}
	created, err := s.createEntities([]Entity{alice})
	if err != nil {
		t.Fatalf("failed to create entity: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("expected duplicate entity to be skipped, got %+v", created)
	}

	rel := Relation{From: "Alice", To: "Alice", RelationType: "admires"}
	for i := 0; i < 2; i++ {
		if _, err := s.createRelations([]Relation{rel}); err != nil {
			t.Fatalf("failed to create relation: %v", err)
		}
	}

	graph, err := s.read()
	if err != nil {
		t.Fatalf("failed to read graph: %v", err)
	}
	if len(graph.Entities) != 1 || len(graph.Relations) != 1 {
		t.Errorf("expected one entity and one relation, got %+v", graph)
	}

	if err := s.deleteRelations([]Relation{rel}); err != nil {
		t.Fatalf("failed to delete relation: %v", err)
	}
	graph, err = s.read()
	if err != nil {
		t.Fatalf("failed to read graph: %v", err)
	}
	if len(graph.Relations) != 0 {
		t.Errorf("expected relation to be deleted, got %+v", graph.Relations)
	}
}

func TestStoreErrors(t *testing.T) {
	broken := &store{path: filepath.Join(t.TempDir(), "missing", "memory.jsonl")}
	if _, err := broken.createEntities([]Entity{{Name: "A", EntityType: "T"}}); err == nil {
		t.Error("expected error when writing into a missing directory")
	}

	s := newTestStore(t)
	if _, err := s.createEntities([]Entity{{Name: "A", EntityType: "T"}}); err != nil {
		t.Fatalf("failed to create entity: %v", err)
	}
	if _, err := s.addObservations([]Observations{{EntityName: "Nobody", Contents: []string{"x"}}}); err == nil {
		t.Error("expected error when adding observations to a missing entity")
	}
	if _, err := s.createEntities([]Entity{{EntityType: "T"}}); err == nil {
		t.Error("expected error for an entity without name")
	}

	// A failed update leaves the file untouched.
	graph, err := s.read()
	if err != nil {
		t.Fatalf("failed to read graph: %v", err)
	}
	if len(graph.Entities) != 1 {
		t.Errorf("expected the graph to be unchanged, got %+v", graph)
	}

	if err := os.WriteFile(s.path, []byte("{not json\n"), 0o600); err != nil {
		t.Fatalf("failed to corrupt file: %v", err)
	}
	if _, err := s.read(); err == nil {
		t.Error("expected error for a corrupt memory file")
	}
}

func TestStoreFileFormat(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.createEntities([]Entity{
		{Name: "FileTest", EntityType: "TestEntity", Observations: []string{"Test observation"}},
	}); err != nil {
		t.Fatalf("failed to create entity: %v", err)
	}
	if _, err := s.createRelations([]Relation{{From: "FileTest", To: "FileTest", RelationType: "self"}}); err != nil {
		t.Fatalf("failed to create relation: %v", err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		t.Fatalf("failed to read memory file: %v", err)
	}
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines in memory file, got %d:\n%s", len(lines), data)
	}

	var items []storeLine
	for _, line := range lines {
		var item storeLine
		if err := json.Unmarshal(line, &item); err != nil {
			t.Fatalf("failed to parse memory file line %s: %v", line, err)
		}
		items = append(items, item)
	}
	want := []storeLine{
		{Type: "entity", Name: "FileTest", EntityType: "TestEntity", Observations: []string{"Test observation"}},
		{Type: "relation", From: "FileTest", To: "FileTest", RelationType: "self"},
	}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Errorf("memory file mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreConcurrentWrites(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := string(rune('a' + i))
			if _, err := s.createEntities([]Entity{{Name: name, EntityType: "letter"}}); err != nil {
				t.Errorf("failed to create entity %s: %v", name, err)
			}
		}()
	}
	wg.Wait()

	graph, err := s.read()
	if err != nil {
		t.Fatalf("failed to read graph: %v", err)
	}
	if len(graph.Entities) != 20 {
		t.Errorf("expected 20 entities, got %d", len(graph.Entities))
	}
}

func newTestStore(t *testing.T) *store {
	t.Helper()
	return &store{path: filepath.Join(t.TempDir(), "memory.jsonl")}
}
