package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/guardedvault/quest/internal/auth"
	"github.com/guardedvault/quest/internal/coordinator"
	"github.com/guardedvault/quest/internal/ledger/sqlledger"
	"github.com/guardedvault/quest/internal/metrics"
	"github.com/guardedvault/quest/internal/middleware"
	"github.com/guardedvault/quest/internal/partystore"
	"github.com/guardedvault/quest/internal/reward"
	"github.com/guardedvault/quest/internal/sealing"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	sealer, err := sealing.NewAEADSealer([]byte("api-test-secret"))
	if err != nil {
		t.Fatalf("NewAEADSealer() error = %v", err)
	}
	calc, err := reward.NewCalculator(1000, 100)
	if err != nil {
		t.Fatalf("NewCalculator() error = %v", err)
	}

	l, err := sqlledger.New(filepath.Join(t.TempDir(), "ledger.db"), sealer, calc, time.Millisecond)
	if err != nil {
		t.Fatalf("sqlledger.New() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })

	m := metrics.New(prometheus.NewRegistry())
	coord := coordinator.New(l, partystore.New(), sealer, calc, m, 5*time.Second)
	jwtManager := auth.NewJWTManager("api-test-jwt-secret", time.Hour)

	mux := http.NewServeMux()
	New(coord, jwtManager).Register(mux)

	srv := httptest.NewServer(middleware.CORS(middleware.OptionalAuth(jwtManager)(mux)))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, token string, body, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func sessionToken(t *testing.T, srv *httptest.Server, address string) string {
	t.Helper()

	var resp struct {
		Token string `json:"token"`
	}
	status := doJSON(t, http.MethodPost, srv.URL+"/v1/session", "", map[string]string{"address": address}, &resp)
	if status != http.StatusOK {
		t.Fatalf("session status = %d, want %d", status, http.StatusOK)
	}
	if resp.Token == "" {
		t.Fatal("session returned empty token")
	}
	return resp.Token
}

func TestSessionRequiresAddress(t *testing.T) {
	srv := newTestServer(t)

	status := doJSON(t, http.MethodPost, srv.URL+"/v1/session", "", map[string]string{}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", status, http.StatusBadRequest)
	}
}

func TestCreateJoinCompleteFlow(t *testing.T) {
	srv := newTestServer(t)
	leader := sessionToken(t, srv, "0xLeader")
	member := sessionToken(t, srv, "0xMember")

	var created struct {
		PartyID uint64 `json:"partyId"`
	}
	status := doJSON(t, http.MethodPost, srv.URL+"/v1/parties", leader,
		map[string]any{"maxMembers": 5, "durationSeconds": 3600}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", status, http.StatusCreated)
	}
	if created.PartyID == 0 {
		t.Fatal("create returned zero party id")
	}

	partyURL := fmt.Sprintf("%s/v1/parties/%d", srv.URL, created.PartyID)

	status = doJSON(t, http.MethodPost, partyURL+"/join", member, map[string]any{}, nil)
	if status != http.StatusOK {
		t.Fatalf("join status = %d, want %d", status, http.StatusOK)
	}

	var party partyResponse
	if status = doJSON(t, http.MethodGet, partyURL, "", nil, &party); status != http.StatusOK {
		t.Fatalf("get status = %d, want %d", status, http.StatusOK)
	}
	if party.MemberCount != 2 || party.Leader != "0xLeader" || !party.IsActive {
		t.Errorf("party = %+v, want 2 members led by 0xLeader, active", party)
	}
	if party.SealedReward != nil {
		t.Errorf("party exposes sealed reward before completion: %x", party.SealedReward)
	}

	status = doJSON(t, http.MethodPost, partyURL+"/complete", member, map[string]any{}, nil)
	if status != http.StatusOK {
		t.Fatalf("complete status = %d, want %d", status, http.StatusOK)
	}

	if status = doJSON(t, http.MethodGet, partyURL, "", nil, &party); status != http.StatusOK {
		t.Fatalf("get status = %d, want %d", status, http.StatusOK)
	}
	if !party.IsCompleted || party.IsActive {
		t.Errorf("party after completion = %+v, want completed and inactive", party)
	}
	if len(party.SealedReward) == 0 {
		t.Error("completed party has no sealed reward")
	}

	var membership struct {
		IsMember bool `json:"isMember"`
	}
	if status = doJSON(t, http.MethodGet, partyURL+"/members/0xMember", "", nil, &membership); status != http.StatusOK {
		t.Fatalf("isMember status = %d, want %d", status, http.StatusOK)
	}
	if !membership.IsMember {
		t.Error("isMember = false, want true")
	}
}

func TestUnauthenticatedMutationRejected(t *testing.T) {
	srv := newTestServer(t)

	var resp errorResponse
	status := doJSON(t, http.MethodPost, srv.URL+"/v1/parties", "",
		map[string]any{"maxMembers": 5, "durationSeconds": 3600}, &resp)
	if status != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", status, http.StatusUnauthorized)
	}
	if resp.Error.Code != string(coordinator.Unauthenticated) {
		t.Errorf("code = %q, want %q", resp.Error.Code, coordinator.Unauthenticated)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	srv := newTestServer(t)

	status := doJSON(t, http.MethodPost, srv.URL+"/v1/parties", "not-a-token",
		map[string]any{"maxMembers": 5, "durationSeconds": 3600}, nil)
	if status != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", status, http.StatusUnauthorized)
	}
}

func TestCreatePartyBoundsRejected(t *testing.T) {
	srv := newTestServer(t)
	token := sessionToken(t, srv, "0xLeader")

	var resp errorResponse
	status := doJSON(t, http.MethodPost, srv.URL+"/v1/parties", token,
		map[string]any{"maxMembers": 1, "durationSeconds": 3600}, &resp)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", status, http.StatusBadRequest)
	}
	if resp.Error.Code != string(coordinator.PreconditionFailed) {
		t.Errorf("code = %q, want %q", resp.Error.Code, coordinator.PreconditionFailed)
	}
}

func TestGetUnknownPartyNotFound(t *testing.T) {
	srv := newTestServer(t)

	var resp errorResponse
	status := doJSON(t, http.MethodGet, srv.URL+"/v1/parties/999", "", nil, &resp)
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want %d", status, http.StatusNotFound)
	}
	if resp.Error.Code != "not_found" {
		t.Errorf("code = %q, want %q", resp.Error.Code, "not_found")
	}
}

func TestJoinCompletedPartyRejected(t *testing.T) {
	srv := newTestServer(t)
	leader := sessionToken(t, srv, "0xLeader")
	first := sessionToken(t, srv, "0xFirst")
	late := sessionToken(t, srv, "0xLate")

	var created struct {
		PartyID uint64 `json:"partyId"`
	}
	doJSON(t, http.MethodPost, srv.URL+"/v1/parties", leader,
		map[string]any{"maxMembers": 5, "durationSeconds": 3600}, &created)

	partyURL := fmt.Sprintf("%s/v1/parties/%d", srv.URL, created.PartyID)
	doJSON(t, http.MethodPost, partyURL+"/join", first, map[string]any{}, nil)
	if status := doJSON(t, http.MethodPost, partyURL+"/complete", leader, map[string]any{}, nil); status != http.StatusOK {
		t.Fatalf("complete status = %d, want %d", status, http.StatusOK)
	}

	var resp errorResponse
	status := doJSON(t, http.MethodPost, partyURL+"/join", late, map[string]any{}, &resp)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", status, http.StatusBadRequest)
	}
	if resp.Error.Code != string(coordinator.PreconditionFailed) {
		t.Errorf("code = %q, want %q", resp.Error.Code, coordinator.PreconditionFailed)
	}
}

func TestOperationStatusAfterFailure(t *testing.T) {
	srv := newTestServer(t)
	leader := sessionToken(t, srv, "0xLeader")
	outsider := sessionToken(t, srv, "0xOutsider")

	var created struct {
		PartyID uint64 `json:"partyId"`
	}
	doJSON(t, http.MethodPost, srv.URL+"/v1/parties", leader,
		map[string]any{"maxMembers": 5, "durationSeconds": 3600}, &created)

	partyURL := fmt.Sprintf("%s/v1/parties/%d", srv.URL, created.PartyID)
	if status := doJSON(t, http.MethodPost, partyURL+"/complete", outsider, map[string]any{}, nil); status != http.StatusBadRequest {
		t.Fatalf("complete status = %d, want %d", status, http.StatusBadRequest)
	}

	var st struct {
		Operation string `json:"operation"`
		State     string `json:"state"`
		Error     *struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if status := doJSON(t, http.MethodGet, partyURL+"/operation", outsider, nil, &st); status != http.StatusOK {
		t.Fatalf("operation status = %d, want %d", status, http.StatusOK)
	}
	if st.State != string(coordinator.StateFailed) {
		t.Errorf("state = %q, want %q", st.State, coordinator.StateFailed)
	}
	if st.Error == nil || st.Error.Code != string(coordinator.PreconditionFailed) {
		t.Errorf("error = %+v, want code %q", st.Error, coordinator.PreconditionFailed)
	}
}

func TestChestEndpoints(t *testing.T) {
	srv := newTestServer(t)
	leader := sessionToken(t, srv, "0xLeader")
	member := sessionToken(t, srv, "0xMember")

	var created struct {
		PartyID uint64 `json:"partyId"`
	}
	doJSON(t, http.MethodPost, srv.URL+"/v1/parties", leader,
		map[string]any{"maxMembers": 5, "durationSeconds": 3600}, &created)
	partyURL := fmt.Sprintf("%s/v1/parties/%d", srv.URL, created.PartyID)
	doJSON(t, http.MethodPost, partyURL+"/join", member, map[string]any{}, nil)
	if status := doJSON(t, http.MethodPost, partyURL+"/complete", leader, map[string]any{}, nil); status != http.StatusOK {
		t.Fatalf("complete status = %d, want %d", status, http.StatusOK)
	}

	body := map[string]uint64{"partyId": created.PartyID}
	if status := doJSON(t, http.MethodPost, srv.URL+"/v1/chests/7/unlock", member, body, nil); status != http.StatusOK {
		t.Fatalf("unlock status = %d, want %d", status, http.StatusOK)
	}
	if status := doJSON(t, http.MethodPost, srv.URL+"/v1/chests/7/claim", member, body, nil); status != http.StatusOK {
		t.Fatalf("claim status = %d, want %d", status, http.StatusOK)
	}

	var resp errorResponse
	status := doJSON(t, http.MethodPost, srv.URL+"/v1/chests/7/claim", member, body, &resp)
	if status != http.StatusBadRequest {
		t.Errorf("second claim status = %d, want %d", status, http.StatusBadRequest)
	}
	if resp.Error.Code != string(coordinator.PreconditionFailed) {
		t.Errorf("code = %q, want %q", resp.Error.Code, coordinator.PreconditionFailed)
	}
}
