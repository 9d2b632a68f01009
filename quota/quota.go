// Package quota admits or rejects metered operations per tenant tier.
//
// Admission never consumes quota. Counters advance only when a job reaches
// terminal success, so failed attempts never burn the window.
package quota

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/logger"
	"github.com/kilnworks/kiln/store"
)

// Action is a metered operation.
type Action string

const (
	ActionCompile      Action = "compile"
	ActionDeploy       Action = "deploy"
	ActionFunctionTest Action = "function_test"
)

// ResetWindow is the rolling quota period.
const ResetWindow = 30 * 24 * time.Hour

// ExceededError reports a rejected admission with the usage that caused it.
type ExceededError struct {
	Action  Action
	Current int
	Limit   int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d of %d used this period", e.Action, e.Current, e.Limit)
}

// Is lets callers match the rejection both as a quota error and as the
// forbidden kind that ingress maps to 403.
func (e *ExceededError) Is(target error) bool {
	return target == errors.ErrQuotaExceeded || target == errors.ErrForbidden
}

// Gate performs admission checks against a user's counters.
type Gate struct {
	store *store.Store
	log   *zap.SugaredLogger
}

// NewGate creates a gate backed by the given store.
func NewGate(st *store.Store, log *zap.SugaredLogger) *Gate {
	if log == nil {
		log = logger.Logger
	}
	return &Gate{store: st, log: log}
}

// Admit decides whether user may start action. The 30-day window is reset
// lazily here; a reset is persisted immediately so it survives restarts.
// Compiles are unbounded on every tier.
func (g *Gate) Admit(user *store.User, action Action) error {
	if err := g.resetIfExpired(user); err != nil {
		return err
	}

	switch action {
	case ActionCompile:
		return nil
	case ActionDeploy:
		return admitCounter(action, user.Deploy)
	case ActionFunctionTest:
		return admitCounter(action, user.FunctionTest)
	default:
		return errors.Newf("unknown quota action: %s", action)
	}
}

func admitCounter(action Action, c store.Counter) error {
	if c.Unbounded() || c.Count < c.Limit {
		return nil
	}
	return &ExceededError{Action: action, Current: c.Count, Limit: c.Limit}
}

func (g *Gate) resetIfExpired(user *store.User) error {
	now := time.Now().UTC()
	changed := false

	if now.Sub(user.Deploy.ResetAt) >= ResetWindow {
		user.Deploy.Count = 0
		user.Deploy.ResetAt = now
		changed = true
	}
	if now.Sub(user.FunctionTest.ResetAt) >= ResetWindow {
		user.FunctionTest.Count = 0
		user.FunctionTest.ResetAt = now
		changed = true
	}

	if !changed {
		return nil
	}

	if err := g.store.SaveCounters(user); err != nil {
		return errors.Wrap(err, "persist quota window reset")
	}
	g.log.Infow("Quota window reset",
		logger.FieldUserID, user.ID,
		"deploy_count", user.Deploy.Count,
		"ftest_count", user.FunctionTest.Count,
	)
	return nil
}
