package testlog

import (
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

func TestCaptureLogger(t *testing.T) {
	lgr, logs := CaptureLogger(t, log.LevelInfo)
	lgr = lgr.New("role", "scheduler")

	lgr.Debug("Not captured")
	lgr.Info("Bundle built", "ops", 3)
	lgr.Warn("Cycle aborted", "reason", "fee")

	require.Nil(t, logs.FindLog(NewMessageFilter("Not captured")))

	rec := logs.FindLog(NewMessageFilter("Bundle built"))
	require.NotNil(t, rec)
	require.Equal(t, int64(3), rec.AttrValue("ops"))
	require.Equal(t, "scheduler", rec.AttrValue("role"))

	require.Len(t, logs.FindLogs(NewLevelFilter(log.LevelWarn)), 1)
	require.NotNil(t, logs.FindLog(NewAttributesFilter("reason", "fee")))
	require.NotNil(t, logs.FindLog(NewMessageContainsFilter("aborted")))

	logs.Clear()
	require.Empty(t, logs.FindLogs())
}
