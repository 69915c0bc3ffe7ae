package store

import (
	"context"
	"testing"
	"time"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/models"
)

func newTestServer(id string) models.Server {
	now := time.Now()
	return models.Server{
		ID: id, Name: "server-" + id, Status: models.ServerImported,
		NetworkMode: models.NetworkIsolated, DefaultTimeoutMs: 30000,
		CreatedAt: now, UpdatedAt: now,
	}
}

func TestToolVersionMonotonicNoGaps(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	srv := newTestServer("srv1")
	if err := s.CreateServer(ctx, &srv); err != nil {
		t.Fatal(err)
	}

	tool := models.Tool{ID: "tool1", ServerID: srv.ID, Name: "greet", ToolType: models.ToolTypePythonCode, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := s.CreateTool(ctx, &tool); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 5; i++ {
		v, err := s.CreateVersion(ctx, tool.ID, "source v", "")
		if err != nil {
			t.Fatal(err)
		}
		if v.VersionNumber != i {
			t.Fatalf("version %d: want %d, got %d", i, i, v.VersionNumber)
		}
	}

	got, err := s.GetTool(ctx, tool.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentVersion != 5 {
		t.Fatalf("current_version: want 5, got %d", got.CurrentVersion)
	}

	versions, err := s.ListVersions(ctx, tool.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 5 {
		t.Fatalf("want 5 versions, got %d", len(versions))
	}
	for i, v := range versions {
		if v.VersionNumber != i+1 {
			t.Fatalf("version at index %d: want %d, got %d", i, i+1, v.VersionNumber)
		}
	}
}

func TestMarkVersionSchemaDrifted(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	srv := newTestServer("srv1")
	if err := s.CreateServer(ctx, &srv); err != nil {
		t.Fatal(err)
	}
	tool := models.Tool{ID: "tool1", ServerID: srv.ID, Name: "greet", ToolType: models.ToolTypePythonCode, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := s.CreateTool(ctx, &tool); err != nil {
		t.Fatal(err)
	}
	v, err := s.CreateVersion(ctx, tool.ID, "source", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.MarkVersionSchemaDrifted(ctx, tool.ID, v.VersionNumber); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetVersion(ctx, tool.ID, v.VersionNumber)
	if err != nil {
		t.Fatal(err)
	}
	if !got.SchemaDrifted {
		t.Fatal("SchemaDrifted should be persisted")
	}

	if err := s.MarkVersionSchemaDrifted(ctx, tool.ID, 99); err == nil {
		t.Fatal("marking a missing version should fail")
	}
}

func TestApprovalOnlyOnePendingPerSubject(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	first := models.ApprovalRequest{ID: "a1", Kind: models.ApprovalKindToolPublish, Subject: "tool1", RequestedBy: "alice", Status: models.ApprovalStatePending, CreatedAt: time.Now()}
	if err := s.CreateApprovalRequest(ctx, &first); err != nil {
		t.Fatal(err)
	}

	second := models.ApprovalRequest{ID: "a2", Kind: models.ApprovalKindToolPublish, Subject: "tool1", RequestedBy: "bob", Status: models.ApprovalStatePending, CreatedAt: time.Now()}
	err := s.CreateApprovalRequest(ctx, &second)
	if err == nil {
		t.Fatal("expected conflict creating a second pending request for the same subject")
	}
	if de, ok := domainerr.As(err); !ok || de.Kind != domainerr.KindConflict {
		t.Fatalf("want KindConflict, got %v", err)
	}

	// Once the first is resolved, a new pending request for the same
	// subject is allowed.
	first.Status = models.ApprovalStateApproved
	if err := s.UpdateApprovalRequest(ctx, &first); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateApprovalRequest(ctx, &second); err != nil {
		t.Fatalf("expected new pending request to succeed after resolution: %v", err)
	}
}

func TestSecretCiphertextNeverExposedOnListKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	secret := models.ServerSecret{ServerID: "srv1", KeyName: "API_KEY", Ciphertext: []byte("super-secret-ciphertext"), IV: []byte("0123456789ab")}
	if err := s.PutSecret(ctx, &secret); err != nil {
		t.Fatal(err)
	}

	keys, err := s.ListSecretKeys(ctx, "srv1")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Fatalf("want 1 key, got %d", len(keys))
	}
	if keys[0].Ciphertext != nil || keys[0].IV != nil {
		t.Fatal("ListSecretKeys must never expose ciphertext or IV")
	}
	if !keys[0].HasValue {
		t.Fatal("HasValue should be true")
	}

	withValue, err := s.GetSecretCiphertext(ctx, "srv1", "API_KEY")
	if err != nil {
		t.Fatal(err)
	}
	if string(withValue.Ciphertext) != "super-secret-ciphertext" {
		t.Fatal("GetSecretCiphertext should return the stored ciphertext")
	}
}

func TestDeleteServerCascades(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	srv := newTestServer("srv1")
	if err := s.CreateServer(ctx, &srv); err != nil {
		t.Fatal(err)
	}
	tool := models.Tool{ID: "tool1", ServerID: srv.ID, Name: "greet", ToolType: models.ToolTypePythonCode, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := s.CreateTool(ctx, &tool); err != nil {
		t.Fatal(err)
	}
	secret := models.ServerSecret{ServerID: srv.ID, KeyName: "API_KEY", Ciphertext: []byte("x"), IV: []byte("y")}
	if err := s.PutSecret(ctx, &secret); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteServer(ctx, srv.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetTool(ctx, tool.ID); func() bool { de, ok := domainerr.As(err); return !ok || de.Kind != domainerr.KindNotFound }() {
		t.Fatal("tool should be gone after server delete")
	}
	keys, _ := s.ListSecretKeys(ctx, srv.ID)
	if len(keys) != 0 {
		t.Fatal("secrets should be gone after server delete")
	}
}

func TestListServersPagination(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for i := 0; i < 25; i++ {
		srv := newTestServer(string(rune('a' + i)))
		srv.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		if err := s.CreateServer(ctx, &srv); err != nil {
			t.Fatal(err)
		}
	}

	page1, err := s.ListServers(ctx, Page{Page: 1, PageSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	if page1.Total != 25 || len(page1.Items) != 10 || page1.Pages != 3 {
		t.Fatalf("unexpected page1: %+v", page1)
	}

	page3, err := s.ListServers(ctx, Page{Page: 3, PageSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(page3.Items) != 5 {
		t.Fatalf("want 5 items on last page, got %d", len(page3.Items))
	}
}
