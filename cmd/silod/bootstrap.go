package main

import (
	"fmt"

	"github.com/grainhive/grainhive/pkg/log"
	"github.com/grainhive/grainhive/pkg/membership"
	"github.com/grainhive/grainhive/pkg/silo"
	"github.com/spf13/cobra"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Start the first silo of a brand-new cluster",
	Long: `Bootstrap forms a single-voter Raft cluster with this silo as the
only member. Run it exactly once, on the silo that starts the cluster;
every other silo joins it afterward with "silod join".`,
	RunE: runBootstrap,
}

func init() {
	registerCommonFlags(bootstrapCmd)
	rootCmd.AddCommand(bootstrapCmd)
}

func registerCommonFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "f", "", "YAML config file (flags below override its values)")
	cmd.Flags().String("node-id", "", "Unique Raft node ID for this silo")
	cmd.Flags().String("bind-addr", "", "Address this silo's transport listens on (host:port)")
	cmd.Flags().String("raft-bind-addr", "", "Address this silo's Raft transport listens on (host:port)")
	cmd.Flags().String("data-dir", "", "Directory for this silo's durable state")
	cmd.Flags().String("cluster-id", "", "Cluster identifier (defaults to \"default\")")
	cmd.Flags().String("host-name", "", "Host name reported in the membership table (defaults to the OS host name)")
	cmd.Flags().String("role", "", "Role reported in the membership table (defaults to \"silo\")")
	cmd.Flags().String("status-addr", "", "Address to serve /status, /healthz and /metrics on (disabled if empty)")
}

func runBootstrap(cmd *cobra.Command, args []string) error {
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

	fmt.Println("Bootstrapping cluster...")
	fmt.Printf("  Node ID: %s\n", nodeID)
	fmt.Printf("  Cluster ID: %s\n", cfg.ClusterID)
	fmt.Printf("  Transport Address: %s\n", cfg.BindAddr)
	fmt.Printf("  Raft Address: %s\n", raftBindAddr)
	fmt.Printf("  Data Directory: %s\n", cfg.DataDir)

	raftStore, err := membership.NewRaftStore(membership.RaftConfig{
		LocalID:  nodeID,
		BindAddr: raftBindAddr,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		return fmt.Errorf("failed to create raft store: %v", err)
	}

	s, err := silo.New(cfg, raftStore, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to construct silo: %v", err)
	}
	if err := s.Bootstrap(); err != nil {
		return fmt.Errorf("failed to bootstrap raft cluster: %v", err)
	}
	fmt.Println("✓ raft cluster bootstrapped")

	return runSilo(s, statusAddr)
}
