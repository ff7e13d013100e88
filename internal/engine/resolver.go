package engine

import (
	"fmt"
	"time"

	"github.com/wingsfly/academy-sync/internal/models"
)

// Decision is the outcome of comparing remote state against local state.
type Decision int

const (
	// DecisionReject keeps the local dataset untouched.
	DecisionReject Decision = iota
	// DecisionAdopt replaces the local dataset with the remote one.
	DecisionAdopt
	// DecisionProtect refuses a remote shrink and schedules a re-push with
	// a fast-forwarded version so the local data wins.
	DecisionProtect
)

func (d Decision) String() string {
	switch d {
	case DecisionAdopt:
		return "adopt"
	case DecisionProtect:
		return "protect"
	default:
		return "reject"
	}
}

// RemoteMeta is the remote version header the resolver compares against.
type RemoteMeta struct {
	Version     int64
	LastUpdated time.Time
	LastDevice  string
	LastAction  string
	ActionKind  models.ActionKind
}

// LocalMeta is the local side of the comparison.
type LocalMeta struct {
	Version    int64
	DeviceID   string
	LastSyncAt time.Time
	LastPushAt time.Time
	Forced     bool
}

// Resolution carries the decision plus the side effects it demands.
type Resolution struct {
	Decision Decision
	Reason   string

	// FastForwardTo is the version the local clock jumps to when
	// protecting: the remote version, so the re-push's increment lands
	// one past it and wins.
	FastForwardTo int64

	// EmergencySnapshot asks for a local backup before the remote dataset
	// is adopted. Set on suspicious mass shrinks that still look
	// intentional enough to accept.
	EmergencySnapshot bool

	// Shrunk lists protected collections where the remote has fewer
	// records than the local copy.
	Shrunk []models.Collection
}

// Resolver implements last-write-wins with a version clock, an echo grace
// window and a data-loss guard for protected collections.
type Resolver struct {
	grace       time.Duration
	shrinkMin   int
	shrinkRatio float64
}

// NewResolver builds a resolver from the engine tunables.
func NewResolver(grace time.Duration, shrinkMin int, shrinkRatio float64) *Resolver {
	return &Resolver{grace: grace, shrinkMin: shrinkMin, shrinkRatio: shrinkRatio}
}

// Resolve decides whether the remote dataset should replace the local one.
// Count maps feed the shrink classification and may be nil when either side
// is empty.
func (r *Resolver) Resolve(remote RemoteMeta, local LocalMeta, remoteCounts, localCounts map[models.Collection]int, now time.Time) Resolution {
	// A change written by this device inside the grace window is our own
	// echo bouncing back through the channel. Forced pulls skip the check.
	if !local.Forced && remote.LastDevice == local.DeviceID && !local.LastPushAt.IsZero() && now.Sub(local.LastPushAt) < r.grace {
		return Resolution{Decision: DecisionReject, Reason: "own recent write"}
	}

	switch {
	case remote.Version < local.Version:
		return Resolution{Decision: DecisionReject, Reason: fmt.Sprintf("local version %d ahead of remote %d", local.Version, remote.Version)}
	case remote.Version == local.Version:
		// Same version on both sides: the timestamp breaks the tie.
		if !remote.LastUpdated.After(local.LastSyncAt) {
			return Resolution{Decision: DecisionReject, Reason: "same version, remote not newer"}
		}
	}

	return r.classifyShrink(remote, local, remoteCounts, localCounts)
}

// classifyShrink inspects protected collections before an adopt. A shrink is
// intentional when this device wrote it, when the remote action says so, or
// when the remote version clock is strictly ahead. Anything else protects
// the local copy.
func (r *Resolver) classifyShrink(remote RemoteMeta, local LocalMeta, remoteCounts, localCounts map[models.Collection]int) Resolution {
	var shrunk []models.Collection
	massLoss := false

	for name, localCount := range localCounts {
		if !name.Protected() {
			continue
		}
		remoteCount := remoteCounts[name]
		if remoteCount >= localCount {
			continue
		}
		shrunk = append(shrunk, name)

		lost := localCount - remoteCount
		if lost > r.shrinkMin && float64(remoteCount) < float64(localCount)*r.shrinkRatio {
			massLoss = true
		}
	}

	if len(shrunk) == 0 {
		return Resolution{Decision: DecisionAdopt, Reason: "remote newer"}
	}

	ownPush := remote.LastDevice == local.DeviceID
	deletion := remote.ActionKind.IntentionalShrink() || models.DeletionReason(remote.LastAction)
	versionAhead := remote.Version > local.Version
	intentional := ownPush || deletion || versionAhead

	// A large shrink explained only by a higher version is still accepted,
	// but the local copy is snapshotted first in case the remote writer was
	// broken rather than deliberate.
	suspicious := massLoss && versionAhead && !ownPush && !deletion

	if !intentional {
		return Resolution{
			Decision:      DecisionProtect,
			Reason:        "remote shrink looks unintentional",
			FastForwardTo: remote.Version,
			Shrunk:        shrunk,
		}
	}

	return Resolution{
		Decision:          DecisionAdopt,
		Reason:            "remote newer, shrink intentional",
		EmergencySnapshot: suspicious,
		Shrunk:            shrunk,
	}
}
