package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/g960059/karl/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "karl.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

func TestUpsertAndGetClaire(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	info := model.ClaireInfo{
		Codename:            "svcA",
		Service:             "S",
		Location:            model.ServiceKey{IP: "10.0.0.1", Port: 7000, Prefix: "/"},
		ReportedTimestampUS: 100,
		URLStatusPageDirect: "http://10.0.0.1:7000/.current",
		RegisteredState:     model.Active,
	}
	if err := s.ReadWriteTransaction(ctx, func(tx *WriteTx) error {
		return tx.UpsertClaire(info)
	}); err != nil {
		t.Fatalf("upsert claire: %v", err)
	}

	var got model.ClaireInfo
	if err := s.ReadOnlyTransaction(ctx, func(tx *ReadTx) error {
		var err error
		got, err = tx.GetClaire("svcA")
		return err
	}); err != nil {
		t.Fatalf("get claire: %v", err)
	}
	if got != info {
		t.Fatalf("got %+v, want %+v", got, info)
	}

	if err := s.ReadOnlyTransaction(ctx, func(tx *ReadTx) error {
		_, err := tx.GetClaire("missing")
		return err
	}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertClaireTransitionsRegisteredState(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := model.ClaireInfo{
		Codename:            "svcA",
		Service:             "S",
		Location:            model.ServiceKey{IP: "10.0.0.1", Port: 7000, Prefix: "/"},
		ReportedTimestampUS: 100,
		RegisteredState:     model.Active,
	}
	if err := s.ReadWriteTransaction(ctx, func(tx *WriteTx) error { return tx.UpsertClaire(base) }); err != nil {
		t.Fatalf("upsert claire: %v", err)
	}

	base.RegisteredState = model.DisconnectedByTimeout
	if err := s.ReadWriteTransaction(ctx, func(tx *WriteTx) error { return tx.UpsertClaire(base) }); err != nil {
		t.Fatalf("upsert claire timeout: %v", err)
	}

	var got model.ClaireInfo
	if err := s.ReadOnlyTransaction(ctx, func(tx *ReadTx) error {
		var err error
		got, err = tx.GetClaire("svcA")
		return err
	}); err != nil {
		t.Fatalf("get claire: %v", err)
	}
	if got.RegisteredState != model.DisconnectedByTimeout {
		t.Fatalf("expected DisconnectedByTimeout, got %s", got.RegisteredState)
	}
}

func TestKarlLaunchAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	// Production records the same launch_id twice: up=true on startup and
	// up=false on shutdown. Both rows must coexist rather than colliding.
	up := model.KarlInfo{LaunchID: "l1", Codename: model.SelfCodename, Up: true, RecordedAtUS: 10}
	down := model.KarlInfo{LaunchID: "l1", Codename: model.SelfCodename, Up: false, RecordedAtUS: 20}

	if err := s.ReadWriteTransaction(ctx, func(tx *WriteTx) error { return tx.InsertKarlLaunch(up) }); err != nil {
		t.Fatalf("insert startup launch: %v", err)
	}
	if err := s.ReadWriteTransaction(ctx, func(tx *WriteTx) error { return tx.InsertKarlLaunch(down) }); err != nil {
		t.Fatalf("insert shutdown launch: %v", err)
	}

	var latest model.KarlInfo
	if err := s.ReadOnlyTransaction(ctx, func(tx *ReadTx) error {
		var err error
		latest, err = tx.LatestKarlLaunch()
		return err
	}); err != nil {
		t.Fatalf("latest karl launch: %v", err)
	}
	if latest.LaunchID != "l1" || latest.Up {
		t.Fatalf("expected latest launch to be l1/down, got %+v", latest)
	}

	var count int
	if err := s.ReadOnlyTransaction(ctx, func(tx *ReadTx) error {
		return tx.tx.QueryRow(`SELECT count(*) FROM karl_launches WHERE launch_id = 'l1'`).Scan(&count)
	}); err != nil {
		t.Fatalf("count karl launches: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected both the startup and shutdown row to persist, got %d rows", count)
	}
}

func TestWriteTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	info := model.ClaireInfo{Codename: "svcA", RegisteredState: model.Active}
	err := s.ReadWriteTransaction(ctx, func(tx *WriteTx) error {
		if err := tx.UpsertClaire(info); err != nil {
			return err
		}
		return context.Canceled
	})
	if err == nil {
		t.Fatalf("expected transaction to fail")
	}

	if err := s.ReadOnlyTransaction(ctx, func(tx *ReadTx) error {
		_, err := tx.GetClaire("svcA")
		return err
	}); err != ErrNotFound {
		t.Fatalf("expected write to have rolled back, got %v", err)
	}
}

func TestWriteVersionAdvancesOnCommitNotOnRollback(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	before := s.WriteVersion()

	if err := s.ReadWriteTransaction(ctx, func(tx *WriteTx) error {
		return tx.UpsertClaire(model.ClaireInfo{Codename: "svcA", RegisteredState: model.Active})
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := s.WriteVersion(); got != before+1 {
		t.Fatalf("expected WriteVersion to advance by one commit, got %d -> %d", before, got)
	}

	if err := s.ReadWriteTransaction(ctx, func(tx *WriteTx) error {
		if err := tx.UpsertClaire(model.ClaireInfo{Codename: "svcB", RegisteredState: model.Active}); err != nil {
			return err
		}
		return context.Canceled
	}); err == nil {
		t.Fatalf("expected rolled-back transaction to fail")
	}
	if got := s.WriteVersion(); got != before+1 {
		t.Fatalf("expected a rolled-back transaction to leave WriteVersion unchanged, got %d", got)
	}

	if err := s.ReadOnlyTransaction(ctx, func(tx *ReadTx) error {
		_, err := tx.GetClaire("svcA")
		return err
	}); err != nil {
		t.Fatalf("read-only transaction should not need a write: %v", err)
	}
	if got := s.WriteVersion(); got != before+1 {
		t.Fatalf("expected a read-only transaction to leave WriteVersion unchanged, got %d", got)
	}
}
