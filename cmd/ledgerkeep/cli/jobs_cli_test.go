package cli

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/ledgerkeep/ledgerkeep/jobs"
)

func TestJobsCLITriggerUnsupported(t *testing.T) {
	srv := miniredis.RunT(t)
	cli, err := NewJobsCLI(srv.Addr())
	require.NoError(t, err)
	defer cli.Close()

	_, err = cli.Trigger(context.Background(), "nope:unknown")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported job")
}

func TestJobsCLITriggerEnqueues(t *testing.T) {
	srv := miniredis.RunT(t)
	cli, err := NewJobsCLI(srv.Addr())
	require.NoError(t, err)
	defer cli.Close()

	info, err := cli.Trigger(context.Background(), jobs.TaskOverdueScan)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskOverdueScan, info.Type)

	stats, err := cli.InspectQueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, jobs.QueueDefault, stats.Queue)
	require.Equal(t, 1, stats.Pending)
}

func TestJobsCLINotConfigured(t *testing.T) {
	var cli *JobsCLI
	_, err := cli.Trigger(context.Background(), jobs.TaskGLIntegrity)
	require.Error(t, err)
	_, err = cli.InspectQueue(context.Background())
	require.Error(t, err)
}
