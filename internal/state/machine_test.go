package state

import (
	"sync"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloudNativeWorks/elchi-updater/internal/catalog"
	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

var candidate = catalog.Candidate{
	Release: catalog.Release{Version: semver.MustParse("1.3.0")},
	Asset:   catalog.Asset{Name: "MyApp-1.3.0.zip", MediaKind: catalog.MediaZip},
}

func happyPath() []State {
	return []State{
		CandidateFound{Candidate: candidate},
		Downloading{Candidate: candidate, Fraction: 0},
		Downloading{Candidate: candidate, Fraction: 0.5},
		Downloading{Candidate: candidate, Fraction: 0.5},
		Downloading{Candidate: candidate, Fraction: 1},
		Downloaded{Candidate: candidate, LocalPath: "/tmp/MyApp.app"},
		Installing{Candidate: candidate, LocalPath: "/tmp/MyApp.app", Identity: "Org-A"},
		Installed{Candidate: candidate},
		None{},
	}
}

func TestValidateHappyPath(t *testing.T) {
	var prev State = None{}
	for _, next := range happyPath() {
		require.NoError(t, Validate(prev, next), "%s -> %s", prev.Name(), next.Name())
		prev = next
	}
}

func TestValidateRejections(t *testing.T) {
	other := candidate
	other.Asset.Name = "MyApp-1.3.0.tar.gz"

	tests := []struct {
		name     string
		from, to State
	}{
		{"skip downloading", CandidateFound{Candidate: candidate}, Downloaded{Candidate: candidate}},
		{"regressing progress", Downloading{Candidate: candidate, Fraction: 0.6}, Downloading{Candidate: candidate, Fraction: 0.5}},
		{"fraction out of range", CandidateFound{Candidate: candidate}, Downloading{Candidate: candidate, Fraction: 1.5}},
		{"installing without identity", Downloaded{Candidate: candidate}, Installing{Candidate: candidate}},
		{"installed without installing", Downloaded{Candidate: candidate}, Installed{Candidate: candidate}},
		{"candidate switched", Downloading{Candidate: candidate}, Downloaded{Candidate: other}},
		{"failed to installed", Failed{}, Installed{}},
		{"none to downloading", None{}, Downloading{Candidate: candidate}},
		{"installed to failed", Installed{Candidate: candidate}, Failed{}},
		{"nil", None{}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, Validate(tt.from, tt.to))
		})
	}
}

func TestValidateFailedReachableFromNonTerminal(t *testing.T) {
	for _, from := range []State{
		None{},
		CandidateFound{Candidate: candidate},
		Downloading{Candidate: candidate, Fraction: 0.3},
		Downloaded{Candidate: candidate},
		Installing{Candidate: candidate, Identity: "Org-A"},
	} {
		assert.NoError(t, Validate(from, Failed{Reason: "boom"}), from.Name())
	}
}

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.states {
		out = append(out, s.Name())
	}
	return out
}

func TestMachineNotifiesInOrder(t *testing.T) {
	m := NewMachine(logger.Discard())
	defer m.Close()

	rec := &recorder{}
	m.Subscribe(rec.record)

	for _, next := range happyPath() {
		require.NoError(t, m.Transition(next))
	}
	assert.Equal(t, None{}, m.Current())

	want := []string{"candidateFound", "downloading", "downloading", "downloading", "downloading", "downloaded", "installing", "installed", "none"}
	assert.Eventually(t, func() bool { return len(rec.names()) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, rec.names())
}

func TestMachineRejectsInvalidTransition(t *testing.T) {
	m := NewMachine(logger.Discard())
	defer m.Close()

	require.Error(t, m.Transition(Installed{Candidate: candidate}))
	assert.Equal(t, None{}, m.Current())
}

func TestSlowSubscriberDoesNotBlockTransitions(t *testing.T) {
	m := NewMachine(logger.Discard())
	defer m.Close()

	release := make(chan struct{})
	rec := &recorder{}
	m.Subscribe(func(s State) {
		<-release
		rec.record(s)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, next := range happyPath() {
			assert.NoError(t, m.Transition(next))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("transitions blocked on a slow subscriber")
	}

	close(release)
	assert.Eventually(t, func() bool { return len(rec.names()) == len(happyPath()) }, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeAndPanickingSubscriber(t *testing.T) {
	m := NewMachine(logger.Discard())
	defer m.Close()

	m.Subscribe(func(State) { panic("observer bug") })
	rec := &recorder{}
	token := m.Subscribe(rec.record)

	require.NoError(t, m.Transition(Failed{Reason: "boom", Kind: errdefs.KindTransfer}))
	assert.Eventually(t, func() bool { return len(rec.names()) == 1 }, time.Second, 5*time.Millisecond)

	m.Unsubscribe(token)
	require.NoError(t, m.Transition(None{}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"failed"}, rec.names())
}

func TestSubscriberCanReadCurrentWithoutDeadlock(t *testing.T) {
	m := NewMachine(logger.Discard())
	defer m.Close()

	seen := make(chan string, 4)
	m.Subscribe(func(s State) {
		seen <- m.Current().Name()
	})

	require.NoError(t, m.Transition(CandidateFound{Candidate: candidate}))
	select {
	case name := <-seen:
		assert.Equal(t, "candidateFound", name)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not run")
	}
}

func TestTransitionAfterClose(t *testing.T) {
	m := NewMachine(logger.Discard())
	m.Close()
	m.Close()

	assert.ErrorIs(t, m.Transition(CandidateFound{Candidate: candidate}), ErrClosed)
}

func TestFailedFrom(t *testing.T) {
	f := FailedFrom(errdefs.Wrap(errdefs.KindInstall, "install", assert.AnError))
	assert.Equal(t, errdefs.KindInstall, f.Kind)
	assert.Equal(t, assert.AnError.Error(), f.Reason)
}
