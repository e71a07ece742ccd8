package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recordingPageStore struct {
	mu         sync.Mutex
	created    []map[string]any
	updated    []string
	archived   []string
	schema     DatabaseSchema
	openPages  []Page
	schemaErr  error
	queryErr   error
	createErr  error
	updateErr  error
	archiveErr error
}

func (s *recordingPageStore) FetchSchema(ctx context.Context) (DatabaseSchema, error) {
	if s.schemaErr != nil {
		return nil, s.schemaErr
	}
	if s.schema == nil {
		return DatabaseSchema{"Name": {Type: "title"}}, nil
	}
	return s.schema, nil
}

func (s *recordingPageStore) QueryOpenPages(ctx context.Context) ([]Page, error) {
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return s.openPages, nil
}

func (s *recordingPageStore) CreatePage(ctx context.Context, properties map[string]any) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, properties)
	return nil
}

func (s *recordingPageStore) UpdatePage(ctx context.Context, pageID string, properties map[string]any) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, pageID)
	return nil
}

func (s *recordingPageStore) ArchivePage(ctx context.Context, pageID string) error {
	if s.archiveErr != nil {
		return s.archiveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = append(s.archived, pageID)
	return nil
}

func (s *recordingPageStore) mutationCounts() (created, updated, archived int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created), len(s.updated), len(s.archived)
}

func TestOrderIntentsPartitionsByKind(t *testing.T) {
	executor := NewActionExecutor(&recordingPageStore{}, nil)
	props := map[string]any{"Name": "x"}

	ordered, dropped := executor.orderIntents([]MutationIntent{
		{Kind: MutationUpdate, PageID: "u1", Properties: props},
		{Kind: MutationArchive, PageID: "a1"},
		{Kind: MutationCreate, Properties: props},
		{Kind: MutationUpdate, Properties: props},
		{Kind: MutationKind("merge"), PageID: "m1"},
		{Kind: MutationCreate, Properties: map[string]any{"Name": "y"}},
	})
	if dropped != 2 {
		t.Fatalf("expected 2 dropped intents, got %d", dropped)
	}
	wantKinds := []MutationKind{MutationCreate, MutationCreate, MutationUpdate, MutationArchive}
	if len(ordered) != len(wantKinds) {
		t.Fatalf("expected %d ordered intents, got %+v", len(wantKinds), ordered)
	}
	for i, intent := range ordered {
		if intent.Kind != wantKinds[i] {
			t.Fatalf("position %d: expected %s, got %s", i, wantKinds[i], intent.Kind)
		}
	}
}

func TestExecuteIntentsAppliesAllKinds(t *testing.T) {
	store := &recordingPageStore{}
	executor := NewActionExecutor(store, nil)

	report := executor.ExecuteIntents(context.Background(), []MutationIntent{
		{Kind: MutationArchive, PageID: "old_page"},
		{Kind: MutationCreate, Properties: map[string]any{"Name": "new task"}},
		{Kind: MutationUpdate, PageID: "existing", Properties: map[string]any{"Progress": "Doing"}},
	})
	if report.Submitted != 3 || report.Executed != 3 || report.Failed != 0 || report.Dropped != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	created, updated, archived := store.mutationCounts()
	if created != 1 || updated != 1 || archived != 1 {
		t.Fatalf("expected one mutation of each kind, got %d/%d/%d", created, updated, archived)
	}
}

func TestExecuteIntentsCountsFailures(t *testing.T) {
	store := &recordingPageStore{updateErr: errors.New("api 500")}
	executor := NewActionExecutor(store, nil)

	report := executor.ExecuteIntents(context.Background(), []MutationIntent{
		{Kind: MutationCreate, Properties: map[string]any{"Name": "ok"}},
		{Kind: MutationUpdate, PageID: "p1", Properties: map[string]any{"Name": "fails"}},
	})
	if report.Submitted != 2 || report.Failed != 1 || report.Executed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	created, _, _ := store.mutationCounts()
	if created != 1 {
		t.Fatalf("expected surviving create, got %d", created)
	}
}

func TestExecuteIntentsDropsInvalidWithoutDispatch(t *testing.T) {
	store := &recordingPageStore{}
	executor := NewActionExecutor(store, nil)

	report := executor.ExecuteIntents(context.Background(), []MutationIntent{
		{Kind: MutationUpdate, Properties: map[string]any{"Name": "no page id"}},
		{Kind: MutationArchive},
		{Kind: MutationCreate},
	})
	if report.Dropped != 3 || report.Submitted != 0 || report.Executed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	created, updated, archived := store.mutationCounts()
	if created+updated+archived != 0 {
		t.Fatalf("expected no dispatches for invalid intents, got %d/%d/%d", created, updated, archived)
	}
}
