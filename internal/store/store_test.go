package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/otp-registrar/internal/domain"
)

func backings(t *testing.T) map[string]Repository {
	t.Helper()

	sqliteRepo, err := NewSQLite(filepath.Join(t.TempDir(), "registrar.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = sqliteRepo.Close() })

	return map[string]Repository{
		"memory": NewMemory(),
		"sqlite": sqliteRepo,
	}
}

func TestRepositoryPhones(t *testing.T) {
	for name, repo := range backings(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created := time.Now().Add(-time.Hour)

			got, err := repo.GetPhone(ctx, "14155550100")
			if err != nil || got != nil {
				t.Fatalf("GetPhone on empty store = %v, %v", got, err)
			}

			account := &domain.PhoneAccount{
				Phone:           "14155550100",
				LatestSessionID: "s1",
				Active:          true,
				CreatedAt:       created,
				UpdatedAt:       created,
			}
			if err := repo.UpsertPhone(ctx, account); err != nil {
				t.Fatalf("UpsertPhone: %v", err)
			}

			// An update without a session id keeps the previous one.
			update := &domain.PhoneAccount{Phone: "14155550100", Active: false, CreatedAt: time.Now(), UpdatedAt: time.Now()}
			if err := repo.UpsertPhone(ctx, update); err != nil {
				t.Fatalf("UpsertPhone update: %v", err)
			}

			got, err = repo.GetPhone(ctx, "14155550100")
			if err != nil || got == nil {
				t.Fatalf("GetPhone = %v, %v", got, err)
			}
			if got.LatestSessionID != "s1" {
				t.Errorf("LatestSessionID = %q, want s1", got.LatestSessionID)
			}
			if got.Active {
				t.Error("Active = true, want false")
			}
			if got.CreatedAt.Unix() != created.Unix() {
				t.Errorf("CreatedAt changed on update: %v", got.CreatedAt)
			}

			phones, err := repo.ListPhones(ctx)
			if err != nil || len(phones) != 1 {
				t.Fatalf("ListPhones = %v, %v", phones, err)
			}
		})
	}
}

func TestRepositoryMessagesIgnoreDuplicateText(t *testing.T) {
	for name, repo := range backings(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()

			if err := repo.UpsertPhone(ctx, &domain.PhoneAccount{Phone: "1555", Active: true, CreatedAt: now, UpdatedAt: now}); err != nil {
				t.Fatalf("UpsertPhone: %v", err)
			}

			first := []domain.Message{{Index: 0, Text: "A", Timestamp: now}, {Index: 1, Text: "B", Timestamp: now}}
			if err := repo.AppendMessages(ctx, "1555", first, now); err != nil {
				t.Fatalf("AppendMessages: %v", err)
			}
			second := []domain.Message{{Index: 0, Text: "B", Timestamp: now}, {Index: 1, Text: "C", Timestamp: now}}
			if err := repo.AppendMessages(ctx, "1555", second, now); err != nil {
				t.Fatalf("AppendMessages second: %v", err)
			}

			msgs, err := repo.ListMessages(ctx, "1555")
			if err != nil {
				t.Fatalf("ListMessages: %v", err)
			}
			var texts []string
			for _, m := range msgs {
				texts = append(texts, m.Text)
			}
			if len(texts) != 3 || texts[0] != "A" || texts[1] != "B" || texts[2] != "C" {
				t.Fatalf("texts = %v, want [A B C]", texts)
			}

			account, err := repo.GetPhone(ctx, "1555")
			if err != nil || account == nil || account.LastExtraction == nil {
				t.Fatalf("LastExtraction not recorded: %+v, %v", account, err)
			}

			empty, err := repo.ListMessages(ctx, "999")
			if err != nil || empty == nil || len(empty) != 0 {
				t.Fatalf("ListMessages unknown = %v, %v; want empty non-nil", empty, err)
			}
		})
	}
}

func TestRepositorySessions(t *testing.T) {
	for name, repo := range backings(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := time.Now().Add(-48 * time.Hour)
			recent := time.Now()

			sessions := []*domain.Session{
				{ID: "old_done", Phone: "1", CountryCode: "1", Status: domain.StatusRegistered, CreatedAt: old, UpdatedAt: old, CompletedAt: &old},
				{ID: "old_running", Phone: "1", CountryCode: "1", Status: domain.StatusAwaitingOTPValue, CreatedAt: old, UpdatedAt: old},
				{ID: "new_failed", Phone: "1", CountryCode: "1", Status: domain.StatusFailed, Error: "boom", ErrorKind: "DeviceUnreachable", CreatedAt: recent, UpdatedAt: recent},
			}
			for _, s := range sessions {
				if err := repo.SaveSession(ctx, s); err != nil {
					t.Fatalf("SaveSession(%s): %v", s.ID, err)
				}
			}

			got, err := repo.GetSession(ctx, "new_failed")
			if err != nil || got == nil {
				t.Fatalf("GetSession = %v, %v", got, err)
			}
			if got.Error != "boom" || got.ErrorKind != "DeviceUnreachable" || got.Status != domain.StatusFailed {
				t.Errorf("GetSession = %+v", got)
			}

			missing, err := repo.GetSession(ctx, "nope")
			if err != nil || missing != nil {
				t.Fatalf("GetSession missing = %v, %v", missing, err)
			}

			list, err := repo.ListSessions(ctx)
			if err != nil || len(list) != 3 {
				t.Fatalf("ListSessions = %v, %v", list, err)
			}
			if list[0].ID != "new_failed" {
				t.Errorf("newest first: got %s", list[0].ID)
			}

			deleted, err := repo.DeleteTerminalSessionsBefore(ctx, time.Now().Add(-24*time.Hour))
			if err != nil {
				t.Fatalf("DeleteTerminalSessionsBefore: %v", err)
			}
			if deleted != 1 {
				t.Fatalf("deleted = %d, want 1", deleted)
			}
			if s, _ := repo.GetSession(ctx, "old_running"); s == nil {
				t.Fatal("non-terminal session must survive purge")
			}
		})
	}
}
