package metadatastore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/statefabric/actormigrate/internal/migerr"
	"github.com/statefabric/actormigrate/internal/model"
)

// The helpers below parse the stored string into long/int/DateTime/
// MigrationState/MigrationPhase; a parse failure is fatal corruption.
// Every parse failure here is returned as a *migerr.Error of
// KindCorrupt, which the orchestrator treats as non-retryable.

func GetInt64(ctx context.Context, tx Tx, key string) (int64, error) {
	raw, err := tx.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	return parseInt64(key, raw)
}

func GetOrAddInt64(ctx context.Context, tx Tx, key string, seed int64) (int64, error) {
	raw, err := tx.GetOrAdd(ctx, key, formatInt64(seed))
	if err != nil {
		return 0, err
	}
	return parseInt64(key, raw)
}

func AddOrUpdateInt64(ctx context.Context, tx Tx, key string, initial int64, update func(old int64) int64) (int64, error) {
	raw, err := tx.AddOrUpdate(ctx, key, formatInt64(initial), func(old string) string {
		oldVal, perr := parseInt64(key, old)
		if perr != nil {
			// the update func cannot return an error; surface the
			// corrupted value unchanged so the caller's outer Get
			// re-parses and fails loudly instead of silently
			// overwriting it.
			return old
		}
		return formatInt64(update(oldVal))
	})
	if err != nil {
		return 0, err
	}
	return parseInt64(key, raw)
}

func GetOrDefaultInt64(ctx context.Context, tx Tx, key string) (int64, bool, error) {
	raw, ok, err := tx.GetOrDefault(ctx, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	v, err := parseInt64(key, raw)
	return v, true, err
}

func GetTime(ctx context.Context, tx Tx, key string) (time.Time, error) {
	raw, err := tx.Get(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(key, raw)
}

func GetOrAddTime(ctx context.Context, tx Tx, key string, seed time.Time) (time.Time, error) {
	raw, err := tx.GetOrAdd(ctx, key, formatTime(seed))
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(key, raw)
}

func GetOrDefaultTime(ctx context.Context, tx Tx, key string) (time.Time, bool, error) {
	raw, ok, err := tx.GetOrDefault(ctx, key)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	t, err := parseTime(key, raw)
	return t, true, err
}

func AddOrUpdateTime(ctx context.Context, tx Tx, key string, initial time.Time, update func(old time.Time) time.Time) (time.Time, error) {
	raw, err := tx.AddOrUpdate(ctx, key, formatTime(initial), func(old string) string {
		oldVal, perr := parseTime(key, old)
		if perr != nil {
			return old
		}
		return formatTime(update(oldVal))
	})
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(key, raw)
}

func GetPhase(ctx context.Context, tx Tx, key string) (model.MigrationPhase, error) {
	raw, err := tx.Get(ctx, key)
	if err != nil {
		return model.PhaseNone, err
	}
	return parsePhase(key, raw)
}

func AddOrUpdatePhase(ctx context.Context, tx Tx, key string, initial model.MigrationPhase) (model.MigrationPhase, error) {
	raw, err := tx.AddOrUpdate(ctx, key, initial.String(), func(string) string {
		return initial.String()
	})
	if err != nil {
		return model.PhaseNone, err
	}
	return parsePhase(key, raw)
}

func GetState(ctx context.Context, tx Tx, key string) (model.MigrationState, error) {
	raw, err := tx.Get(ctx, key)
	if err != nil {
		return model.MigrationStateNone, err
	}
	return parseState(key, raw)
}

func GetOrDefaultState(ctx context.Context, tx Tx, key string) (model.MigrationState, bool, error) {
	raw, ok, err := tx.GetOrDefault(ctx, key)
	if err != nil || !ok {
		return model.MigrationStateNone, ok, err
	}
	s, err := parseState(key, raw)
	return s, true, err
}

func AddOrUpdateState(ctx context.Context, tx Tx, key string, value model.MigrationState) error {
	_, err := tx.AddOrUpdate(ctx, key, string(value), func(string) string {
		return string(value)
	})
	return err
}

func GetOrAddPhaseStatus(ctx context.Context, tx Tx, key string, seed model.PhaseStatus) (model.PhaseStatus, error) {
	raw, err := tx.GetOrAdd(ctx, key, string(seed))
	if err != nil {
		return "", err
	}
	return model.PhaseStatus(raw), nil
}

func AddOrUpdatePhaseStatus(ctx context.Context, tx Tx, key string, value model.PhaseStatus) error {
	_, err := tx.AddOrUpdate(ctx, key, string(value), func(string) string {
		return string(value)
	})
	return err
}

func GetOrAddWorkerStatus(ctx context.Context, tx Tx, key string, seed model.WorkerStatus) (model.WorkerStatus, error) {
	raw, err := tx.GetOrAdd(ctx, key, string(seed))
	if err != nil {
		return "", err
	}
	return model.WorkerStatus(raw), nil
}

func AddOrUpdateWorkerStatus(ctx context.Context, tx Tx, key string, value model.WorkerStatus) error {
	_, err := tx.AddOrUpdate(ctx, key, string(value), func(string) string {
		return string(value)
	})
	return err
}

func parseInt64(key, raw string) (int64, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, migerr.Corrupt(fmt.Sprintf("metadata key %q holds a non-integer value %q", key, raw), err)
	}
	return v, nil
}

func formatInt64(v int64) string {
	return strconv.FormatInt(v, 10)
}

func parseTime(key, raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, migerr.Corrupt(fmt.Sprintf("metadata key %q holds a non-ISO8601 value %q", key, raw), err)
	}
	return t.UTC(), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parsePhase(key, raw string) (model.MigrationPhase, error) {
	p, ok := model.ParsePhase(raw)
	if !ok {
		return model.PhaseNone, migerr.Corrupt(fmt.Sprintf("metadata key %q holds an unknown phase %q", key, raw), nil)
	}
	return p, nil
}

func parseState(key, raw string) (model.MigrationState, error) {
	switch model.MigrationState(raw) {
	case model.MigrationStateNone, model.MigrationStateInProgress, model.MigrationStateCompleted, model.MigrationStateAborted:
		return model.MigrationState(raw), nil
	default:
		return model.MigrationStateNone, migerr.Corrupt(fmt.Sprintf("metadata key %q holds an unknown state %q", key, raw), nil)
	}
}
