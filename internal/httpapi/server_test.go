package httpapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/stateruntime/staterund/internal/command"
	"github.com/stateruntime/staterund/internal/dispatcher"
	"github.com/stateruntime/staterund/internal/ledger"
	"github.com/stateruntime/staterund/internal/pathsecret"
	"github.com/stateruntime/staterund/internal/policy"
)

func newTestServer(t *testing.T, sim *ledger.Simulator, myIdx, maxIdx uint32) (*Server, *dispatcher.Dispatcher) {
	t.Helper()
	dir, err := os.MkdirTemp("", "httpapi-test")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := pathsecret.NewStore(dir, nil)
	if err != nil {
		t.Fatalf("pathsecret.NewStore() error = %v", err)
	}
	identitySK, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("btcec.NewPrivateKey() error = %v", err)
	}
	d, err := dispatcher.New(dispatcher.Config{MyRosterIdx: myIdx, MaxRosterIdx: maxIdx}, sim, identitySK, store, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("dispatcher.New() error = %v", err)
	}
	return New(d, nil), d
}

func TestHandleKeyRotationThenFetch(t *testing.T) {
	sim := ledger.NewSimulator()
	srv, d := newTestServer(t, sim, 0, 2)

	req := httptest.NewRequest(http.MethodPost, "/key_rotation", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("POST /key_rotation status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp txHashResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TxHash == "" {
		t.Error("tx_hash is empty")
	}

	if _, err := d.FetchEvents(context.Background()); err != nil {
		t.Fatalf("FetchEvents() error = %v", err)
	}
	if d.Epoch() != 1 {
		t.Fatalf("epoch after handshake = %d, want 1", d.Epoch())
	}
}

func TestHandleEncryptionKey(t *testing.T) {
	sim := ledger.NewSimulator()
	srv, d := newTestServer(t, sim, 0, 2)

	req := httptest.NewRequest(http.MethodGet, "/enclave_encryption_key", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var resp encryptionKeyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	want := hex.EncodeToString(d.EncryptionKey().SerializeCompressed())
	if resp.PubKeyHex != want {
		t.Errorf("pub_key = %s, want %s", resp.PubKeyHex, want)
	}
}

func TestHandleSendCommandAndUserCounter(t *testing.T) {
	sim := ledger.NewSimulator()
	sender, senderDisp := newTestServer(t, sim, 0, 2)
	receiver, receiverDisp := newTestServer(t, sim, 1, 2)

	hsReq := httptest.NewRequest(http.MethodPost, "/key_rotation", nil)
	hsRec := httptest.NewRecorder()
	sender.Handler().ServeHTTP(hsRec, hsReq)
	if hsRec.Code != http.StatusOK {
		t.Fatalf("POST /key_rotation status = %d", hsRec.Code)
	}
	for _, d := range []*dispatcher.Dispatcher{senderDisp, receiverDisp} {
		if _, err := d.FetchEvents(context.Background()); err != nil {
			t.Fatalf("FetchEvents() error = %v", err)
		}
	}

	userSK, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("btcec.NewPrivateKey() error = %v", err)
	}
	plaintext := command.BuildSignedPlaintext(userSK, "set", 0, []byte(`{"key":"balance","value":"100"}`))
	account := plaintext.AccessPolicy.AccountID()

	body, err := json.Marshal(sendCommandRequest{
		AccessPolicy: accessPolicyDTO{
			PubKeyHex:    hex.EncodeToString(plaintext.AccessPolicy.PubKey.SerializeCompressed()),
			SignatureHex: hex.EncodeToString(plaintext.AccessPolicy.Signature[:]),
		},
		RuntimeParams: plaintext.RuntimeParams,
		CmdName:       plaintext.CmdName,
		UserCounter:   plaintext.UserCounter,
	})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	sendReq := httptest.NewRequest(http.MethodPost, "/state", bytes.NewReader(body))
	sendRec := httptest.NewRecorder()
	sender.Handler().ServeHTTP(sendRec, sendReq)
	if sendRec.Code != http.StatusOK {
		t.Fatalf("POST /state status = %d, body = %s", sendRec.Code, sendRec.Body.String())
	}

	if _, err := receiverDisp.FetchEvents(context.Background()); err != nil {
		t.Fatalf("receiver FetchEvents() error = %v", err)
	}

	ucReq := httptest.NewRequest(http.MethodGet, "/user_counter?account="+hex.EncodeToString(account[:]), nil)
	ucRec := httptest.NewRecorder()
	receiver.Handler().ServeHTTP(ucRec, ucReq)

	var ucResp userCounterResponse
	if err := json.Unmarshal(ucRec.Body.Bytes(), &ucResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !ucResp.Seen || ucResp.UserCounter != 0 {
		t.Errorf("user_counter response = %+v, want seen=true, user_counter=0", ucResp)
	}
}

func TestHandleSendCommandRejectsMalformedPubKey(t *testing.T) {
	sim := ledger.NewSimulator()
	srv, _ := newTestServer(t, sim, 0, 2)

	body, _ := json.Marshal(sendCommandRequest{
		AccessPolicy: accessPolicyDTO{PubKeyHex: "not-hex", SignatureHex: "00"},
		CmdName:      "set",
		UserCounter:  1,
	})
	req := httptest.NewRequest(http.MethodPost, "/state", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleUserCounterUnseenAccount(t *testing.T) {
	sim := ledger.NewSimulator()
	srv, _ := newTestServer(t, sim, 0, 2)

	var account policy.AccountID
	req := httptest.NewRequest(http.MethodGet, "/user_counter?account="+hex.EncodeToString(account[:]), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var resp userCounterResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Seen {
		t.Error("Seen = true for an account that never sent a command")
	}
}
