package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/offlinecache/internal/manifest"
)

// fakeTransport scripts responses per URL and counts network attempts.
type fakeTransport struct {
	mu        sync.Mutex
	responses map[string]CachedResponse
	offline   bool
	calls     map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		responses: map[string]CachedResponse{},
		calls:     map[string]int{},
	}
}

func (t *fakeTransport) serve(url, body string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responses[url] = CachedResponse{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/plain"}},
		Body:     []byte(body),
		StoredAt: time.Now().UTC(),
	}
}

func (t *fakeTransport) serveJSON(url string, payload any) {
	data, _ := json.Marshal(payload)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responses[url] = CachedResponse{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"application/json"}},
		Body:     data,
		StoredAt: time.Now().UTC(),
	}
}

func (t *fakeTransport) setOffline(offline bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offline = offline
}

func (t *fakeTransport) callCount(url string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[url]
}

func (t *fakeTransport) RoundTrip(ctx context.Context, identity RequestIdentity, header http.Header, body []byte) (CachedResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[identity.URL]++
	if t.offline {
		return CachedResponse{}, &NetworkError{Op: "fetch " + identity.URL, Err: ErrNetworkUnavailable}
	}
	response, ok := t.responses[identity.URL]
	if !ok {
		return CachedResponse{Status: http.StatusNotFound, Body: []byte("not found")}, nil
	}
	return response, nil
}

// replayFromTransport delivers mutations through the same offline switch the
// read path uses.
type replayFromTransport struct {
	transport *fakeTransport
	mu        sync.Mutex
	delivered []string
}

func (b *replayFromTransport) Deliver(ctx context.Context, op QueuedOperation) error {
	b.transport.mu.Lock()
	offline := b.transport.offline
	b.transport.mu.Unlock()
	if offline {
		return &NetworkError{Op: "deliver " + op.OpID, Err: ErrNetworkUnavailable}
	}
	b.mu.Lock()
	b.delivered = append(b.delivered, op.OpID)
	b.mu.Unlock()
	return nil
}

// recordingSink collects emitted events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, event := range s.events {
		out = append(out, event.Type)
	}
	return out
}

type agentFixture struct {
	agent     *Agent
	transport *fakeTransport
	backend   *replayFromTransport
	caches    *NamespaceManager
	records   RecordStore
	sink      *recordingSink
	quotaErrs *[]error
}

func testManifest() manifest.Manifest {
	return manifest.Manifest{
		Version:         "v1",
		Assets:          []string{"/index.html", "/app.js", "/app.css"},
		OfflineFallback: "/offline.html",
	}
}

func newAgentFixture(t *testing.T, man manifest.Manifest) *agentFixture {
	t.Helper()
	transport := newFakeTransport()
	for _, asset := range man.Assets {
		transport.serve(asset, "asset:"+asset)
	}
	if man.OfflineFallback != "" {
		transport.serve(man.OfflineFallback, "<html>offline</html>")
	}

	caches, err := NewNamespaceManager(nil, nil)
	if err != nil {
		t.Fatalf("new namespace manager: %v", err)
	}
	backend := &replayFromTransport{transport: transport}
	coordinator, err := NewSyncCoordinator(SyncCoordinatorOptions{Backend: backend})
	if err != nil {
		t.Fatalf("new sync coordinator: %v", err)
	}
	records := NewMemoryRecordStore(0)
	sink := &recordingSink{}
	var quotaErrs []error
	agent, err := NewAgent(AgentOptions{
		Caches:          caches,
		Records:         records,
		Transport:       transport,
		Sync:            coordinator,
		Manifest:        man,
		Events:          sink,
		OnQuotaExceeded: func(err error) { quotaErrs = append(quotaErrs, err) },
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return &agentFixture{
		agent:     agent,
		transport: transport,
		backend:   backend,
		caches:    caches,
		records:   records,
		sink:      sink,
		quotaErrs: &quotaErrs,
	}
}

func installAndActivate(t *testing.T, f *agentFixture) {
	t.Helper()
	ctx := context.Background()
	if err := f.agent.Install(ctx); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if err := f.agent.Activate(ctx); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
}

func TestAgentInstallPrefetchesManifestAssets(t *testing.T) {
	f := newAgentFixture(t, testManifest())
	if err := f.agent.Install(context.Background()); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if got := f.agent.State(); got != StateInstalled {
		t.Fatalf("expected installed state, got %s", got)
	}
	counts := f.caches.List()
	key := NamespaceKey{Scope: ScopeStaticAssets, Version: "v1"}.String()
	// Three assets plus the offline fallback.
	if counts[key] != 4 {
		t.Fatalf("expected 4 prefetched entries, got %v", counts)
	}
}

func TestAgentInstallAbortsAtomicallyOnFetchFailure(t *testing.T) {
	man := testManifest()
	man.Assets = append(man.Assets, "/missing.js")
	f := newAgentFixture(t, man)
	// /missing.js was never scripted, so the transport returns 404 for it.

	err := f.agent.Install(context.Background())
	if err == nil {
		t.Fatal("expected install to fail")
	}
	if counts := f.caches.List(); len(counts) != 0 {
		t.Fatalf("expected no namespaces after aborted install, got %v", counts)
	}
	if got := f.agent.State(); got != StateInstalling {
		t.Fatalf("expected agent stuck installing, got %s", got)
	}
}

func TestAgentActivateRequiresInstall(t *testing.T) {
	f := newAgentFixture(t, testManifest())
	if err := f.agent.Activate(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestAgentStaticAssetsServeCacheFirst(t *testing.T) {
	f := newAgentFixture(t, testManifest())
	installAndActivate(t, f)
	fetchesDuringInstall := f.transport.callCount("/app.js")

	identity := RequestIdentity{Method: http.MethodGet, URL: "/app.js"}
	result := f.agent.Intercept(context.Background(), identity, nil)
	if result.Source != SourceCache {
		t.Fatalf("expected cache hit, got source %s", result.Source)
	}
	if string(result.Body) != "asset:/app.js" {
		t.Fatalf("unexpected body %q", result.Body)
	}
	if got := f.transport.callCount("/app.js"); got != fetchesDuringInstall {
		t.Fatalf("expected no network attempt on cache hit, got %d fetches", got)
	}
}

func TestAgentStaticMissFetchesAndBackfills(t *testing.T) {
	f := newAgentFixture(t, testManifest())
	installAndActivate(t, f)
	f.transport.serve("/extra.css", "late asset")

	identity := RequestIdentity{Method: http.MethodGet, URL: "/extra.css"}
	first := f.agent.Intercept(context.Background(), identity, nil)
	if first.Source != SourceNetwork {
		t.Fatalf("expected network on first miss, got %s", first.Source)
	}
	second := f.agent.Intercept(context.Background(), identity, nil)
	if second.Source != SourceCache {
		t.Fatalf("expected backfilled cache hit, got %s", second.Source)
	}
}

func TestAgentDynamicReadsAreNetworkFirst(t *testing.T) {
	f := newAgentFixture(t, testManifest())
	installAndActivate(t, f)
	f.transport.serveJSON("/v1/reports/rep_1", Record{ID: "rep_1", Status: "draft", CreatedAt: "2026-08-01T10:00:00Z"})

	identity := RequestIdentity{Method: http.MethodGet, URL: "/v1/reports/rep_1"}
	first := f.agent.Intercept(context.Background(), identity, nil)
	if first.Source != SourceNetwork {
		t.Fatalf("expected network first, got %s", first.Source)
	}

	f.transport.setOffline(true)
	second := f.agent.Intercept(context.Background(), identity, nil)
	if second.Source != SourceCache {
		t.Fatalf("expected cached copy while offline, got %s", second.Source)
	}
	if string(second.Body) != string(first.Body) {
		t.Fatalf("expected cached body to match, got %q vs %q", second.Body, first.Body)
	}
}

func TestAgentAnswersReportReadsFromStoreWhenCacheMisses(t *testing.T) {
	f := newAgentFixture(t, testManifest())
	installAndActivate(t, f)
	records := []Record{
		{ID: "rep_1", Status: "draft", CreatedAt: "2026-08-01T10:00:00Z"},
		{ID: "rep_2", Status: "final", CreatedAt: "2026-08-02T10:00:00Z"},
	}
	f.transport.serveJSON("/v1/reports", records)

	// A successful list read is absorbed into the record store.
	listIdentity := RequestIdentity{Method: http.MethodGet, URL: "/v1/reports"}
	if result := f.agent.Intercept(context.Background(), listIdentity, nil); result.Source != SourceNetwork {
		t.Fatalf("expected network, got %s", result.Source)
	}

	// Offline, with the item never cached, the store answers.
	f.transport.setOffline(true)
	itemIdentity := RequestIdentity{Method: http.MethodGet, URL: "/v1/reports/rep_2"}
	result := f.agent.Intercept(context.Background(), itemIdentity, nil)
	if result.Source != SourceStore {
		t.Fatalf("expected store answer, got %s", result.Source)
	}
	var got Record
	if err := json.Unmarshal(result.Body, &got); err != nil {
		t.Fatalf("decode store answer: %v", err)
	}
	if got.ID != "rep_2" || got.Status != "final" {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestAgentOfflineFallbackForNavigation(t *testing.T) {
	f := newAgentFixture(t, testManifest())
	installAndActivate(t, f)
	f.transport.setOffline(true)

	header := http.Header{"Accept": []string{"text/html,application/xhtml+xml"}}
	identity := RequestIdentity{Method: http.MethodGet, URL: "/v1/reports/rep_unknown"}
	result := f.agent.Intercept(context.Background(), identity, header)
	if result.Source != SourceFallback {
		t.Fatalf("expected fallback, got %s", result.Source)
	}
	if string(result.Body) != "<html>offline</html>" {
		t.Fatalf("expected cached offline document, got %q", result.Body)
	}

	// Without an HTML accept the caller gets a plain 503.
	plain := f.agent.Intercept(context.Background(), identity, nil)
	if plain.Status != http.StatusServiceUnavailable || plain.Source != SourceFallback {
		t.Fatalf("expected 503 fallback, got %d %s", plain.Status, plain.Source)
	}
}

func TestAgentDynamicNamespaceEvictsOldestPastBound(t *testing.T) {
	f := newAgentFixture(t, testManifest())
	installAndActivate(t, f)

	for i := 0; i < DefaultDynamicBound+5; i++ {
		url := fmt.Sprintf("/v1/data/item-%d", i)
		f.transport.serveJSON(url, map[string]int{"n": i})
		identity := RequestIdentity{Method: http.MethodGet, URL: url}
		if result := f.agent.Intercept(context.Background(), identity, nil); result.Source != SourceNetwork {
			t.Fatalf("expected network for %s, got %s", url, result.Source)
		}
	}
	key := NamespaceKey{Scope: ScopeDynamicResponses, Version: "v1"}.String()
	if got := f.caches.List()[key]; got != DefaultDynamicBound {
		t.Fatalf("expected dynamic namespace bounded at %d, got %d", DefaultDynamicBound, got)
	}

	// The five oldest entries were evicted; the newest survive.
	f.transport.setOffline(true)
	oldest := RequestIdentity{Method: http.MethodGet, URL: "/v1/data/item-0"}
	if result := f.agent.Intercept(context.Background(), oldest, nil); result.Source == SourceCache {
		t.Fatal("expected oldest entry evicted")
	}
	newest := RequestIdentity{Method: http.MethodGet, URL: fmt.Sprintf("/v1/data/item-%d", DefaultDynamicBound+4)}
	if result := f.agent.Intercept(context.Background(), newest, nil); result.Source != SourceCache {
		t.Fatalf("expected newest entry cached, got %s", result.Source)
	}
}

func TestAgentMutationDeliveredOnline(t *testing.T) {
	f := newAgentFixture(t, testManifest())
	installAndActivate(t, f)

	payload, _ := json.Marshal(Record{ID: "rep_9", Status: "draft", CreatedAt: "2026-08-03T10:00:00Z"})
	receipt, err := f.agent.RecordMutation(context.Background(), MutationRequest{
		Kind:    OperationCreate,
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("mutation failed: %v", err)
	}
	if !receipt.DeliveredNow || receipt.OpID == "" {
		t.Fatalf("expected immediate delivery with assigned opId, got %+v", receipt)
	}
	if f.agent.QueueDepth() != 0 {
		t.Fatalf("expected empty queue, got %d", f.agent.QueueDepth())
	}
	// Local store reflects the confirmed write.
	if _, err := f.records.Get(context.Background(), "rep_9"); err != nil {
		t.Fatalf("expected record applied locally, got %v", err)
	}
}

func TestAgentMutationQueuedWhileOffline(t *testing.T) {
	f := newAgentFixture(t, testManifest())
	installAndActivate(t, f)
	f.transport.setOffline(true)

	payload, _ := json.Marshal(Record{ID: "rep_9", Status: "draft", CreatedAt: "2026-08-03T10:00:00Z"})
	receipt, err := f.agent.RecordMutation(context.Background(), MutationRequest{
		Kind:     OperationUpdate,
		TargetID: "rep_9",
		Payload:  payload,
	})
	if err != nil {
		t.Fatalf("mutation failed: %v", err)
	}
	if receipt.DeliveredNow {
		t.Fatal("expected deferred delivery while offline")
	}
	if f.agent.QueueDepth() != 1 {
		t.Fatalf("expected one queued operation, got %d", f.agent.QueueDepth())
	}
	// The optimistic local write is browsable offline.
	if _, err := f.records.Get(context.Background(), "rep_9"); err != nil {
		t.Fatalf("expected optimistic local record, got %v", err)
	}

	f.transport.setOffline(false)
	outcomes := f.agent.OnConnectivityRestored(context.Background())
	if len(outcomes) != 1 || !outcomes[0].Delivered {
		t.Fatalf("expected replay delivered, got %+v", outcomes)
	}
	if f.agent.QueueDepth() != 0 {
		t.Fatalf("expected drained queue, got %d", f.agent.QueueDepth())
	}
	if len(f.backend.delivered) != 1 || f.backend.delivered[0] != receipt.OpID {
		t.Fatalf("expected replay with original opId, got %v", f.backend.delivered)
	}
	if !containsString(f.sink.types(), "mutation-queued") {
		t.Fatalf("expected mutation-queued event, got %v", f.sink.types())
	}
	if !containsString(f.sink.types(), "replay-delivered") {
		t.Fatalf("expected replay-delivered event, got %v", f.sink.types())
	}
}

func TestAgentMutationRepeatedOpIDReturnsOriginalReceipt(t *testing.T) {
	f := newAgentFixture(t, testManifest())
	installAndActivate(t, f)

	req := MutationRequest{Kind: OperationCreate, OpID: "op_fixed", Payload: json.RawMessage(`{"id":"rep_1"}`)}
	first, err := f.agent.RecordMutation(context.Background(), req)
	if err != nil {
		t.Fatalf("first mutation failed: %v", err)
	}
	second, err := f.agent.RecordMutation(context.Background(), req)
	if err != nil {
		t.Fatalf("second mutation failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical receipts, got %+v vs %+v", first, second)
	}
	if len(f.backend.delivered) != 1 {
		t.Fatalf("expected a single delivery, got %v", f.backend.delivered)
	}
}

func TestAgentPassthroughClassifiesMutations(t *testing.T) {
	f := newAgentFixture(t, testManifest())
	installAndActivate(t, f)
	f.transport.setOffline(true)

	identity := RequestIdentity{Method: http.MethodPost, URL: "/v1/reports"}
	result := f.agent.Passthrough(context.Background(), identity, http.Header{}, []byte(`{"id":"rep_1"}`))
	if result.Status != http.StatusAccepted || result.Source != SourceQueued {
		t.Fatalf("expected 202 queued, got %d %s", result.Status, result.Source)
	}
	if result.OpID == "" {
		t.Fatal("expected an assigned opId")
	}
	if f.agent.QueueDepth() != 1 {
		t.Fatalf("expected queued mutation, got depth %d", f.agent.QueueDepth())
	}
}

func TestAgentQuotaCallbackFiresOncePerFailedWrite(t *testing.T) {
	transport := newFakeTransport()
	man := testManifest()
	for _, asset := range man.Assets {
		transport.serve(asset, "asset")
	}
	transport.serve(man.OfflineFallback, "offline")

	caches, err := NewNamespaceManager(nil, nil)
	if err != nil {
		t.Fatalf("new namespace manager: %v", err)
	}
	backend := &replayFromTransport{transport: transport}
	coordinator, err := NewSyncCoordinator(SyncCoordinatorOptions{Backend: backend})
	if err != nil {
		t.Fatalf("new sync coordinator: %v", err)
	}
	var quotaErrs []error
	agent, err := NewAgent(AgentOptions{
		Caches:          caches,
		Records:         NewMemoryRecordStore(64),
		Transport:       transport,
		Sync:            coordinator,
		Manifest:        man,
		OnQuotaExceeded: func(err error) { quotaErrs = append(quotaErrs, err) },
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if err := agent.Install(context.Background()); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if err := agent.Activate(context.Background()); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	big, _ := json.Marshal(Record{
		ID:        "rep_big",
		Status:    "draft",
		CreatedAt: "2026-08-01T10:00:00Z",
		Fields:    map[string]string{"body": string(make([]byte, 200))},
	})
	if _, err := agent.RecordMutation(context.Background(), MutationRequest{Kind: OperationCreate, Payload: big}); err != nil {
		t.Fatalf("mutation failed: %v", err)
	}
	if len(quotaErrs) != 1 {
		t.Fatalf("expected exactly one quota callback, got %d", len(quotaErrs))
	}
	if !errors.Is(quotaErrs[0], ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", quotaErrs[0])
	}
}

func TestAgentDeployAndSkipWaiting(t *testing.T) {
	f := newAgentFixture(t, testManifest())
	installAndActivate(t, f)

	next := manifest.Manifest{
		Version:         "v2",
		Assets:          []string{"/index.html", "/app.v2.js"},
		OfflineFallback: "/offline.html",
	}
	f.transport.serve("/app.v2.js", "asset:v2")
	if err := f.agent.Deploy(context.Background(), next, false); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if got := f.agent.State(); got != StateInstalled {
		t.Fatalf("expected installed, waiting for activation, got %s", got)
	}
	if version, _ := f.caches.CurrentVersion(ScopeStaticAssets); version != "v1" {
		t.Fatalf("expected v1 still current before skip-wait, got %s", version)
	}

	if err := f.agent.SkipWaiting(context.Background()); err != nil {
		t.Fatalf("skip-wait failed: %v", err)
	}
	if got := f.agent.State(); got != StateActivated {
		t.Fatalf("expected activated, got %s", got)
	}
	if version, _ := f.caches.CurrentVersion(ScopeStaticAssets); version != "v2" {
		t.Fatalf("expected v2 current, got %s", version)
	}
	// Older generations of both scopes are gone.
	for id := range f.caches.List() {
		if !containsString([]string{
			NamespaceKey{Scope: ScopeStaticAssets, Version: "v2"}.String(),
			NamespaceKey{Scope: ScopeDynamicResponses, Version: "v2"}.String(),
		}, id) {
			t.Fatalf("unexpected surviving namespace %s", id)
		}
	}
}

func TestAgentClearAll(t *testing.T) {
	f := newAgentFixture(t, testManifest())
	installAndActivate(t, f)

	f.agent.ClearAll(context.Background())
	if got := f.agent.Namespaces(); len(got) != 0 {
		t.Fatalf("expected no namespaces, got %v", got)
	}
	if !containsString(f.sink.types(), "cleared") {
		t.Fatalf("expected cleared event, got %v", f.sink.types())
	}
}
