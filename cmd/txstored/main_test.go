package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FlagOverrides(t *testing.T) {
	cmd := newServeCommand()
	require.NoError(t, cmd.ParseFlags([]string{
		"--id", "r2",
		"--listen", "127.0.0.1:7002",
		"--groups", "g0=r1,r2;g1=r3",
		"--peers", "r1=127.0.0.1:7001,r3=127.0.0.1:7003",
		"--http", "",
	}))

	var f serveFlags
	f.id, _ = cmd.Flags().GetString("id")
	f.listen, _ = cmd.Flags().GetString("listen")
	f.groups, _ = cmd.Flags().GetString("groups")
	f.peers, _ = cmd.Flags().GetString("peers")
	f.httpAddr, _ = cmd.Flags().GetString("http")

	cfg, err := loadConfig(cmd, f)
	require.NoError(t, err)
	assert.Equal(t, "r2", cfg.Replica.ID)
	assert.Len(t, cfg.Groups, 2)
	assert.Equal(t, "", cfg.HTTP.Listen)
	assert.Equal(t, map[string]string{
		"r1": "127.0.0.1:7001",
		"r2": "127.0.0.1:7002",
		"r3": "127.0.0.1:7003",
	}, cfg.PeerAddrs())
}

func TestLoadConfig_RejectsMissingPeer(t *testing.T) {
	cmd := newServeCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--groups", "g0=r1,r2"}))
	f := serveFlags{groups: "g0=r1,r2"}

	_, err := loadConfig(cmd, f)
	assert.Error(t, err)
}

func TestPartitionCommand(t *testing.T) {
	cmd := newPartitionCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"k007", "k999"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "k007\tg0\nk999\tg0\n", out.String())
}
