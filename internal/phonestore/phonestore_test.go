package phonestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ashureev/otp-registrar/internal/domain"
	"github.com/ashureev/otp-registrar/internal/phone"
	"github.com/ashureev/otp-registrar/internal/store"
)

func TestStoreMessagesMergesByText(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewMemory())

	for i := 0; i < 2; i++ {
		if _, err := s.StoreMessages(ctx, "+1 415-555-0100", []domain.Message{{Text: "A"}}); err != nil {
			t.Fatalf("StoreMessages #%d: %v", i+1, err)
		}
	}

	msgs, err := s.GetMessages(ctx, "14155550100")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "A" {
		t.Fatalf("messages = %+v, want exactly one \"A\"", msgs)
	}
	if msgs[0].Timestamp.IsZero() {
		t.Error("timestamp not filled in")
	}

	if got := s.Normalize("+1 415-555-0100"); got != "14155550100" {
		t.Fatalf("Normalize = %q", got)
	}
	exists, err := s.PhoneExists(ctx, "+14155550100")
	if err != nil || !exists {
		t.Fatalf("PhoneExists = %v, %v", exists, err)
	}
}

func TestStoreMessagesDedupesWithinBatchAndKeepsOrder(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewMemory())

	merged, err := s.StoreMessages(ctx, "15550001", []domain.Message{
		{Index: 0, Text: "first"}, {Index: 1, Text: "second"}, {Index: 2, Text: "first"},
	})
	if err != nil {
		t.Fatalf("StoreMessages: %v", err)
	}
	if len(merged) != 2 {
		t.Fatalf("merged = %+v", merged)
	}

	merged, err = s.StoreMessages(ctx, "15550001", []domain.Message{
		{Index: 0, Text: "third"}, {Index: 1, Text: "second"},
	})
	if err != nil {
		t.Fatalf("StoreMessages: %v", err)
	}
	want := []string{"first", "second", "third"}
	if len(merged) != len(want) {
		t.Fatalf("merged = %+v", merged)
	}
	for i, w := range want {
		if merged[i].Text != w {
			t.Fatalf("merged[%d] = %q, want %q", i, merged[i].Text, w)
		}
	}
}

func TestStoreMessagesConcurrentWritersDoNotDuplicate(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewMemory())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			batch := []domain.Message{{Text: "shared"}, {Text: fmt.Sprintf("own-%d", i)}}
			if _, err := s.StoreMessages(ctx, "+15550002", batch); err != nil {
				t.Errorf("StoreMessages: %v", err)
			}
		}(i)
	}
	wg.Wait()

	msgs, err := s.GetMessages(ctx, "15550002")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 9 {
		t.Fatalf("len = %d, want 9", len(msgs))
	}
}

func TestGetMessagesUnknownPhone(t *testing.T) {
	s := New(store.NewMemory())

	msgs, err := s.GetMessages(context.Background(), "+19999999999")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Fatalf("msgs = %#v, want empty slice", msgs)
	}

	data, err := s.PhoneData(context.Background(), "+19999999999")
	if err != nil || data != nil {
		t.Fatalf("PhoneData = %v, %v", data, err)
	}
}

func TestRegisterPhoneIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "phones.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer repo.Close()
	s := New(repo)

	first, err := s.RegisterPhone(ctx, "+1 415 555 0100", "s1")
	if err != nil {
		t.Fatalf("RegisterPhone: %v", err)
	}
	second, err := s.RegisterPhone(ctx, "14155550100", "")
	if err != nil {
		t.Fatalf("RegisterPhone again: %v", err)
	}
	if first.Phone != second.Phone || second.LatestSessionID != "s1" {
		t.Fatalf("first = %+v, second = %+v", first, second)
	}

	if err := s.Deactivate(ctx, "+14155550100"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	data, err := s.PhoneData(ctx, "14155550100")
	if err != nil || data == nil || data.Account.Active {
		t.Fatalf("PhoneData after Deactivate = %+v, %v", data, err)
	}

	third, err := s.RegisterPhone(ctx, "14155550100", "s2")
	if err != nil {
		t.Fatalf("RegisterPhone s2: %v", err)
	}
	if !third.Active || third.LatestSessionID != "s2" {
		t.Fatalf("third = %+v", third)
	}

	phones, err := s.ListPhones(ctx)
	if err != nil || len(phones) != 1 {
		t.Fatalf("ListPhones = %v, %v", phones, err)
	}
}

func TestRegisterPhoneRejectsEmptyNumber(t *testing.T) {
	s := New(store.NewMemory())
	if _, err := s.RegisterPhone(context.Background(), "+-", ""); !errors.Is(err, phone.ErrInvalidNumber) {
		t.Fatalf("err = %v, want ErrInvalidNumber", err)
	}
}
