package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grainhive/grainhive/pkg/membership"
	"github.com/grainhive/grainhive/pkg/silo"
	"github.com/grainhive/grainhive/pkg/types"
	"github.com/spf13/cobra"
)

// flagOrFile returns the flag value for name if the user set it explicitly,
// otherwise falls back to fallback (typically sourced from a loaded
// FileConfig). Flags always win over the config file, matching the
// teacher's manager commands where CLI flags are the final word.
func flagOrFile(cmd *cobra.Command, name, fallback string) string {
	if cmd.Flags().Changed(name) {
		v, _ := cmd.Flags().GetString(name)
		return v
	}
	if fallback != "" {
		return fallback
	}
	v, _ := cmd.Flags().GetString(name)
	return v
}

// buildSiloConfig assembles a silo.Config plus the Raft-specific bits
// (node ID, raft bind address) from a loaded FileConfig and any flags that
// override it.
func buildSiloConfig(cmd *cobra.Command, fc FileConfig) (silo.Config, string, string, error) {
	nodeID := flagOrFile(cmd, "node-id", fc.NodeID)
	bindAddr := flagOrFile(cmd, "bind-addr", fc.BindAddr)
	raftBindAddr := flagOrFile(cmd, "raft-bind-addr", fc.RaftBindAddr)
	dataDir := flagOrFile(cmd, "data-dir", fc.DataDir)
	clusterID := flagOrFile(cmd, "cluster-id", fc.ClusterID)
	hostName := flagOrFile(cmd, "host-name", fc.HostName)
	role := flagOrFile(cmd, "role", fc.Role)

	if nodeID == "" {
		return silo.Config{}, "", "", fmt.Errorf("--node-id is required")
	}
	if bindAddr == "" {
		return silo.Config{}, "", "", fmt.Errorf("--bind-addr is required")
	}
	if raftBindAddr == "" {
		return silo.Config{}, "", "", fmt.Errorf("--raft-bind-addr is required")
	}
	if dataDir == "" {
		return silo.Config{}, "", "", fmt.Errorf("--data-dir is required")
	}
	if clusterID == "" {
		clusterID = "default"
	}
	if hostName == "" {
		hostName, _ = os.Hostname()
	}
	if role == "" {
		role = "silo"
	}

	deactivationCoolDown, err := durationOrDefault(fc.DeactivationCoolDown, 0)
	if err != nil {
		return silo.Config{}, "", "", err
	}
	reminderScanInterval, err := durationOrDefault(fc.ReminderScanInterval, 0)
	if err != nil {
		return silo.Config{}, "", "", err
	}
	membershipRefresh, err := durationOrDefault(fc.MembershipRefresh, 0)
	if err != nil {
		return silo.Config{}, "", "", err
	}
	streamMaxAge, err := durationOrDefault(fc.StreamMaxAge, 0)
	if err != nil {
		return silo.Config{}, "", "", err
	}
	txLockGroupDeadline, err := durationOrDefault(fc.TxLockGroupDeadline, 0)
	if err != nil {
		return silo.Config{}, "", "", err
	}

	cfg := silo.Config{
		Self:                 types.SiloAddress{Endpoint: bindAddr, Generation: time.Now().UnixNano()},
		ClusterID:            clusterID,
		HostName:             hostName,
		Role:                 role,
		BindAddr:             bindAddr,
		DataDir:              dataDir,
		EncryptStateAtRest:   fc.EncryptStateAtRest,
		DirectoryCacheSize:   fc.DirectoryCacheSize,
		DeactivationCoolDown: deactivationCoolDown,
		MaxLocalActivations:  fc.MaxLocalActivations,
		MembershipConfig:     membership.DefaultConfig(),
		ReminderScanInterval: reminderScanInterval,
		MembershipRefresh:    membershipRefresh,
		StreamMaxAge:         streamMaxAge,
		StreamMaxPerStream:   fc.StreamMaxPerStream,
		StreamPressureLimit:  fc.StreamPressureLimit,
		TxLockGroupDeadline:  txLockGroupDeadline,
	}
	return cfg, nodeID, raftBindAddr, nil
}

// runSilo starts s, serves its status endpoint if statusAddr is set, and
// blocks until SIGINT/SIGTERM, then shuts both down in order.
func runSilo(s *silo.Silo, statusAddr string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("failed to start silo: %v", err)
	}
	fmt.Printf("✓ silo %s started\n", s.Self())

	var statusErrCh chan error
	if statusAddr != "" {
		statusErrCh = make(chan error, 1)
		go func() { statusErrCh <- s.ServeStatusHTTP(ctx, statusAddr) }()
		fmt.Printf("✓ status endpoint: http://%s/status\n", statusAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-statusErrCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "status endpoint error: %v\n", err)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to shut down cleanly: %v", err)
	}
	fmt.Println("✓ shutdown complete")
	return nil
}
