package registry

import (
	"encoding/json"
	"io/ioutil"
	"testing"
	"time"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/build"
	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/modules/eventbus"
	"gitlab.com/fetchlabs/fetchd/modules/queue"
	"gitlab.com/fetchlabs/fetchd/persist"
)

// plainVault treats the credential blob as a plain json object. Good enough
// to exercise the decrypt path.
type plainVault struct {
	failAll bool
}

func (v plainVault) Decrypt(blob []byte) (map[string]string, error) {
	if v.failAll {
		return nil, errors.New("bad key")
	}
	creds := make(map[string]string)
	if err := json.Unmarshal(blob, &creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// fakeProvider implements Searchable and StatusCapable on top of scripted
// responses.
type fakeProvider struct {
	key         string
	creds       map[string]string
	searchErr   error
	statusCalls int
}

func (p *fakeProvider) Key() string { return p.key }

func (p *fakeProvider) Search(query string, limit int) ([]modules.SearchItem, error) {
	if p.searchErr != nil {
		return nil, p.searchErr
	}
	return []modules.SearchItem{{ProviderKey: p.key, ExternalID: "1", Title: query + " on " + p.key}}, nil
}

func (p *fakeProvider) Status() (modules.ProviderStatus, error) {
	p.statusCalls++
	return modules.ProviderStatus{Authenticated: true, DaysLeft: 30}, nil
}

// testRegistry assembles a registry over a fresh store with the given
// providers registered and enabled.
func testRegistry(t *testing.T, vault modules.KeyVault, fakes ...*fakeProvider) (*Registry, *queue.Queue) {
	q, err := queue.New(build.TempDir("registry", t.Name()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	builders := make(map[string]Builder)
	for _, fake := range fakes {
		fake := fake
		_, err := q.UpsertProvider(modules.Provider{Key: fake.key, Enabled: true, Config: []byte(`{"user":"u"}`)})
		if err != nil {
			t.Fatal(err)
		}
		builders[fake.key] = func(p modules.Provider, creds map[string]string, cfg modules.ProviderConfig) (modules.ProviderHandle, error) {
			fake.creds = creds
			return fake, nil
		}
	}
	bus := eventbus.New(nil)
	t.Cleanup(func() { bus.Close() })
	r, err := New(q, vault, bus, modules.DefaultConfig(), builders, persist.NewLogger(ioutil.Discard))
	if err != nil {
		t.Fatal(err)
	}
	return r, q
}

// TestHandleCachingAndCreds verifies handle construction, credential decrypt
// and handle reuse.
func TestHandleCachingAndCreds(t *testing.T) {
	fake := &fakeProvider{key: "prov"}
	r, _ := testRegistry(t, plainVault{}, fake)

	handle, err := r.Handle("prov")
	if err != nil {
		t.Fatal(err)
	}
	if handle.Key() != "prov" {
		t.Fatal("wrong handle:", handle.Key())
	}
	if fake.creds["user"] != "u" {
		t.Fatal("credentials not decrypted:", fake.creds)
	}
	again, err := r.Handle("prov")
	if err != nil {
		t.Fatal(err)
	}
	if again != handle {
		t.Fatal("handle not cached")
	}

	if _, err := r.Handle("ghost"); !errors.Contains(err, modules.ErrValidation) {
		t.Fatal("unknown provider built:", err)
	}
}

// TestDecryptFailureDisables verifies that an undecryptable credential blob
// disables the provider and audits the action.
func TestDecryptFailureDisables(t *testing.T) {
	fake := &fakeProvider{key: "prov"}
	r, q := testRegistry(t, plainVault{failAll: true}, fake)

	_, err := r.Handle("prov")
	if !errors.Contains(err, modules.ErrProviderPermanent) {
		t.Fatal("expected permanent error, got", err)
	}
	providers, err := q.Providers()
	if err != nil {
		t.Fatal(err)
	}
	if providers["prov"].Enabled {
		t.Fatal("provider not disabled after decrypt failure")
	}
	records, err := q.AuditTail(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Action != "provider.disabled" {
		t.Fatal("disable not audited:", records)
	}
}

// TestSearchAll verifies the fan-out merge, failure collection and transient
// reporting.
func TestSearchAll(t *testing.T) {
	good := &fakeProvider{key: "good"}
	flaky := &fakeProvider{key: "flaky", searchErr: errors.Compose(errors.New("429"), modules.ErrProviderTransient)}
	r, _ := testRegistry(t, plainVault{}, good, flaky)

	items, failures, err := r.SearchAll("voyage", nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ProviderKey != "good" {
		t.Fatal("merge wrong:", items)
	}
	if len(failures) != 1 || failures[0].ProviderKey != "flaky" {
		t.Fatal("failure not collected:", failures)
	}
	// The flaky provider should now be backed off.
	if _, ok := r.BackoffKeys()["flaky"]; !ok {
		t.Fatal("transient search failure did not open a backoff")
	}
	if _, ok := r.BackoffKeys()["good"]; ok {
		t.Fatal("healthy provider backed off")
	}

	// Narrowing the fan-out to one provider skips the rest.
	items, failures, err = r.SearchAll("voyage", []string{"good"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || len(failures) != 0 {
		t.Fatal("narrowed fan-out wrong:", items, failures)
	}
}

// TestPauseResume verifies pause persistence, claim exclusion keys and the
// audit/event trail.
func TestPauseResume(t *testing.T) {
	fake := &fakeProvider{key: "prov"}
	r, q := testRegistry(t, plainVault{}, fake)

	if err := r.Pause("prov", "root", "maintenance"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.PausedKeys()["prov"]; !ok {
		t.Fatal("pause not in memory")
	}
	pauses, err := q.Pauses()
	if err != nil {
		t.Fatal(err)
	}
	if len(pauses) != 1 || pauses[0].Note != "maintenance" {
		t.Fatal("pause not persisted:", pauses)
	}

	// A fresh registry over the same store inherits the pause.
	r2, err := New(q, plainVault{}, eventbus.New(nil), modules.DefaultConfig(), nil, persist.NewLogger(ioutil.Discard))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r2.PausedKeys()["prov"]; !ok {
		t.Fatal("pause did not survive restart")
	}

	if err := r.Resume("prov", "root"); err != nil {
		t.Fatal(err)
	}
	if len(r.PausedKeys()) != 0 {
		t.Fatal("resume left the pause in place")
	}
	// Resuming again is a no-op.
	if err := r.Resume("prov", "root"); err != nil {
		t.Fatal(err)
	}
	records, err := q.AuditTail(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0].Action != "provider.resumed" || records[1].Action != "provider.paused" {
		t.Fatal("audit trail wrong:", records)
	}
}

// TestBackoffDoubling verifies the doubling window, its cap and the clear on
// success.
func TestBackoffDoubling(t *testing.T) {
	fake := &fakeProvider{key: "prov"}
	r, _ := testRegistry(t, plainVault{}, fake)

	r.ReportTransient("prov", "timeout")
	r.mu.Lock()
	first := r.backoffs["prov"].Window
	r.mu.Unlock()
	if first != defaultBackoffWindow {
		t.Fatal("initial window wrong:", first)
	}

	r.ReportTransient("prov", "timeout")
	r.ReportTransient("prov", "timeout")
	r.mu.Lock()
	third := r.backoffs["prov"].Window
	r.mu.Unlock()
	if third != 4*defaultBackoffWindow {
		t.Fatal("doubling wrong:", third)
	}

	// Enough consecutive failures pin the window at the cap.
	for i := 0; i < 10; i++ {
		r.ReportTransient("prov", "timeout")
	}
	r.mu.Lock()
	capped := r.backoffs["prov"].Window
	r.mu.Unlock()
	if capped != defaultBackoffMax {
		t.Fatal("cap not applied:", capped)
	}

	r.ReportSuccess("prov")
	if len(r.BackoffKeys()) != 0 {
		t.Fatal("success did not clear the backoff")
	}
}

// TestStatusCache verifies that status snapshots are cached for the TTL.
func TestStatusCache(t *testing.T) {
	fake := &fakeProvider{key: "prov"}
	r, _ := testRegistry(t, plainVault{}, fake)

	if _, err := r.Status("prov"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Status("prov"); err != nil {
		t.Fatal(err)
	}
	if fake.statusCalls != 1 {
		t.Fatal("status not cached:", fake.statusCalls)
	}
	time.Sleep(statusCacheTTL + 10*time.Millisecond)
	if _, err := r.Status("prov"); err != nil {
		t.Fatal(err)
	}
	if fake.statusCalls != 2 {
		t.Fatal("stale status served past the TTL:", fake.statusCalls)
	}
}

// TestAcquireResolveSlot verifies the per-provider spacing gate.
func TestAcquireResolveSlot(t *testing.T) {
	fake := &fakeProvider{key: "prov"}
	r, _ := testRegistry(t, plainVault{}, fake)
	r.config.Providers["prov"] = modules.ProviderConfig{DownloadSpacingSeconds: 60}

	ok, _ := r.AcquireResolveSlot("prov")
	if !ok {
		t.Fatal("first slot refused")
	}
	ok, wait := r.AcquireResolveSlot("prov")
	if ok || wait <= 0 {
		t.Fatal("spacing not enforced:", ok, wait)
	}
	// A provider without spacing is never gated.
	if ok, _ := r.AcquireResolveSlot("other"); !ok {
		t.Fatal("unspaced provider gated")
	}
}
