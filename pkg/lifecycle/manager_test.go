package lifecycle

import (
	"context"
	"errors"
	"testing"

	kratoslog "github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordHook(name string, priority int, events *[]string) Hook {
	return Hook{
		Name:     name,
		Priority: priority,
		OnStart: func(context.Context) error {
			*events = append(*events, "start:"+name)
			return nil
		},
		OnStop: func(context.Context) error {
			*events = append(*events, "stop:"+name)
			return nil
		},
	}
}

func TestStartStopOrder(t *testing.T) {
	var events []string
	lm := NewLifecycleManager(kratoslog.DefaultLogger)
	lm.AddHook(recordHook("scheduler", 300, &events))
	lm.AddHook(recordHook("redis", 0, &events))
	lm.AddHook(recordHook("http", 100, &events))
	lm.AddHook(recordHook("postgres", 0, &events))

	require.NoError(t, lm.Start())
	assert.True(t, lm.IsRunning())
	require.NoError(t, lm.Stop())
	assert.False(t, lm.IsRunning())
	assert.Error(t, lm.Context().Err())

	assert.Equal(t, []string{
		"start:redis", "start:postgres", "start:http", "start:scheduler",
		"stop:scheduler", "stop:http", "stop:postgres", "stop:redis",
	}, events)
}

func TestStartFailureRollsBack(t *testing.T) {
	var events []string
	lm := NewLifecycleManager(kratoslog.DefaultLogger)
	lm.AddHook(recordHook("redis", 0, &events))
	lm.AddHook(Hook{
		Name:     "http",
		Priority: 100,
		OnStart:  func(context.Context) error { return errors.New("address in use") },
	})
	lm.AddHook(recordHook("scheduler", 300, &events))

	err := lm.Start()
	require.Error(t, err)

	assert.Equal(t, []string{"start:redis", "stop:redis"}, events)
	assert.False(t, lm.IsRunning())
}
