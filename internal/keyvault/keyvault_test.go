package keyvault

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stateruntime/staterund/internal/errs"
	"github.com/stateruntime/staterund/internal/pathsecret"
)

func TestDisabledRecoverReturnsNotFound(t *testing.T) {
	var d Disabled
	_, err := d.Recover(context.Background(), 1, 2)

	var notFound *errs.NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("Recover() error = %v, want *errs.NotFoundError", err)
	}
}

func TestDisabledBackupIsNoop(t *testing.T) {
	var d Disabled
	if err := d.Backup(context.Background(), 1, pathsecret.Exportable{}); err != nil {
		t.Errorf("Backup() error = %v, want nil", err)
	}
}

func TestHTTPClientBackupThenRecoverRoundTrip(t *testing.T) {
	var stored backupRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/path_secrets", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&stored); err != nil {
			t.Fatalf("server: decode backup request: %v", err)
		}
		if r.Header.Get("Ocp-Apim-Subscription-Key") != "sub-key" {
			t.Error("server did not receive expected subscription key header")
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/path_secrets/3/5", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(recoverResponse{Epoch: stored.Epoch, Raw: stored.Raw})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "sub-key", "spid-value")
	raw := []byte("path secret bytes padded to 32!")
	if err := client.Backup(context.Background(), 3, pathsecret.Exportable{Raw: raw, Epoch: 5}); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	eps, err := client.Recover(context.Background(), 3, 5)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if string(eps.Raw) != string(raw) || eps.Epoch != 5 {
		t.Errorf("Recover() = %+v, want raw=%q epoch=5", eps, raw)
	}
}

func TestHTTPClientRecoverNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "sub-key", "spid-value")
	_, err := client.Recover(context.Background(), 1, 1)

	var notFound *errs.NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("Recover() error = %v, want *errs.NotFoundError", err)
	}
}

func TestBackupAdapterSatisfiesPathsecretBackup(t *testing.T) {
	var calls int
	adapter := BackupAdapter{Client: fakeClient{onBackup: func() { calls++ }}}
	var sink pathsecret.Backup = adapter

	if err := sink.Send(2, pathsecret.Exportable{Raw: []byte("x")}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("underlying client backup called %d times, want 1", calls)
	}
}

type fakeClient struct {
	onBackup func()
}

func (f fakeClient) Recover(context.Context, uint32, uint32) (pathsecret.Exportable, error) {
	return pathsecret.Exportable{}, errs.NewNotFound("unused")
}

func (f fakeClient) Backup(context.Context, uint32, pathsecret.Exportable) error {
	if f.onBackup != nil {
		f.onBackup()
	}
	return nil
}
