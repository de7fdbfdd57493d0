package main

import (
	"context"
	"fmt"
	"time"

	"github.com/grainhive/grainhive/pkg/log"
	"github.com/grainhive/grainhive/pkg/membership"
	"github.com/grainhive/grainhive/pkg/silo"
	"github.com/grainhive/grainhive/pkg/types"
	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:   "join --seed SEED_ADDR",
	Short: "Join this silo to an existing cluster",
	Long: `Join contacts a seed silo already in the cluster and asks its Raft
leader to admit this silo as a new voter, following leader redirects
automatically.`,
	RunE: runJoin,
}

func init() {
	registerCommonFlags(joinCmd)
	joinCmd.Flags().String("seed", "", "Address of a silo already in the cluster (required)")
	_ = joinCmd.MarkFlagRequired("seed")
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, args []string) error {
	var fc FileConfig
	if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
		loaded, err := loadFileConfig(configPath)
		if err != nil {
			return err
		}
		fc = loaded
	}

	cfg, nodeID, raftBindAddr, err := buildSiloConfig(cmd, fc)
	if err != nil {
		return err
	}
	statusAddr := flagOrFile(cmd, "status-addr", fc.StatusAddr)
	seed, _ := cmd.Flags().GetString("seed")
	if seed == "" {
		return fmt.Errorf("--seed is required")
	}

	fmt.Println("Joining cluster...")
	fmt.Printf("  Node ID: %s\n", nodeID)
	fmt.Printf("  Seed: %s\n", seed)
	fmt.Printf("  Raft Address: %s\n", raftBindAddr)

	raftStore, err := membership.NewRaftStore(membership.RaftConfig{
		LocalID:  nodeID,
		BindAddr: raftBindAddr,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		return fmt.Errorf("failed to create raft store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	seedAddr := types.SiloAddress{Endpoint: seed}
	if err := silo.RequestJoin(ctx, seedAddr, cfg.ClusterID, nodeID, raftBindAddr, log.Logger); err != nil {
		return fmt.Errorf("failed to join cluster: %v", err)
	}
	fmt.Println("✓ admitted as a raft voter")

	s, err := silo.New(cfg, raftStore, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to construct silo: %v", err)
	}

	return runSilo(s, statusAddr)
}
