// Command memctl is a sample CLI over the memory manager façade: record
// conversation turns, entity/user facts, knowledge and task outcomes;
// recall and search what has been stored; inspect aggregate stats; and
// trigger LLM-assisted consolidation of old memories.
//
// Storage backend and provider wiring is controlled entirely through
// environment variables (see wiring.go); memctl itself never asks which
// backend to use beyond DATABASE_PROVIDER.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ob-labs/agent-memory-go/memory"
	"github.com/ob-labs/agent-memory-go/memory/manager"
)

var (
	jsonOutput bool
	mgr        *manager.Manager
)

var rootCmd = &cobra.Command{
	Use:   "memctl",
	Short: "CLI for the agent memory subsystem",
	Long:  "memctl records, recalls, searches, and consolidates agent memories over a configurable storage backend.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		backend, err := buildBackend()
		if err != nil {
			return fmt.Errorf("build backend: %w", err)
		}
		llmProvider, err := buildLLMProvider()
		if err != nil {
			return fmt.Errorf("build llm provider: %w", err)
		}
		cfg := manager.NewConfig(true, false, 0, 2000, llmProvider != nil)
		mgr = manager.New(backend, llmProvider, cfg)
		return nil
	},
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a memory",
}

var recordMessageCmd = &cobra.Command{
	Use:   "message <content>",
	Short: "Record a conversation turn",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, _ := cmd.Flags().GetString("conversation")
		importance := importanceFlag(cmd)
		rec, err := mgr.RecordMessage(context.Background(), args[0], conversationID, importance)
		if err != nil {
			return err
		}
		printMemory(rec)
		return nil
	},
}

var recordEntityCmd = &cobra.Command{
	Use:   "entity <entity-id> <content>",
	Short: "Record a fact about a named entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		entityType, _ := cmd.Flags().GetString("type")
		importance := importanceFlag(cmd)
		rec, err := mgr.RecordEntityFact(context.Background(), memory.EntityId(args[0]), name, args[1], entityType, importance)
		if err != nil {
			return err
		}
		printMemory(rec)
		return nil
	},
}

var recordUserCmd = &cobra.Command{
	Use:   "user <user-id> <content>",
	Short: "Record a fact about a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		importance := importanceFlag(cmd)
		rec, err := mgr.RecordUserFact(context.Background(), args[1], args[0], importance)
		if err != nil {
			return err
		}
		printMemory(rec)
		return nil
	},
}

var recordKnowledgeCmd = &cobra.Command{
	Use:   "knowledge <source> <content>",
	Short: "Record a document chunk",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		metaStr, _ := cmd.Flags().GetString("metadata")
		extra, err := parseMetadata(metaStr)
		if err != nil {
			return err
		}
		rec, err := mgr.RecordKnowledge(context.Background(), args[1], args[0], extra)
		if err != nil {
			return err
		}
		printMemory(rec)
		return nil
	},
}

var recordTaskCmd = &cobra.Command{
	Use:   "task <description> <outcome>",
	Short: "Record an attempted action and its outcome",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		success, _ := cmd.Flags().GetBool("success")
		importance := importanceFlag(cmd)
		rec, err := mgr.RecordTask(context.Background(), args[0], args[1], success, importance)
		if err != nil {
			return err
		}
		printMemory(rec)
		return nil
	},
}

var recallCmd = &cobra.Command{
	Use:   "recall",
	Short: "Recall memories by conversation, entity, or user",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		conversationID, _ := cmd.Flags().GetString("conversation")
		entityID, _ := cmd.Flags().GetString("entity")
		userID, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")

		switch {
		case conversationID != "":
			text, err := mgr.GetConversationContext(ctx, conversationID, limit)
			if err != nil {
				return err
			}
			fmt.Print(text)
		case entityID != "":
			text, err := mgr.GetEntityContext(ctx, memory.EntityId(entityID))
			if err != nil {
				return err
			}
			fmt.Print(text)
		default:
			text, err := mgr.GetUserContext(ctx, userID)
			if err != nil {
				return err
			}
			fmt.Print(text)
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memories relevant to a query, formatted as LLM-ready context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")
		text, err := mgr.GetRelevantContext(context.Background(), args[0], maxTokens)
		if err != nil {
			return err
		}
		if text == "" {
			fmt.Println("(no matching memories)")
			return nil
		}
		fmt.Print(text)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display aggregate statistics over stored memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := mgr.Stats(context.Background())
		if err != nil {
			return err
		}
		if jsonOutput {
			data, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("Total: %d\n", stats.Total)
		fmt.Printf("Entities: %d, Conversations: %d, Embedded: %d\n", stats.EntityCount, stats.ConversationCount, stats.EmbeddedCount)
		for t, n := range stats.ByType {
			fmt.Printf("  %s: %d\n", t, n)
		}
		return nil
	},
}

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run LLM-assisted consolidation over memories older than a threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThanStr, _ := cmd.Flags().GetString("older-than")
		minCount, _ := cmd.Flags().GetInt("min-count")

		age, err := time.ParseDuration(olderThanStr)
		if err != nil {
			return fmt.Errorf("invalid --older-than duration %q: %w", olderThanStr, err)
		}

		if err := mgr.ConsolidateMemories(context.Background(), time.Now().Add(-age), minCount); err != nil {
			return err
		}
		fmt.Println("consolidation complete")
		return nil
	},
}

func importanceFlag(cmd *cobra.Command) *float64 {
	s, _ := cmd.Flags().GetString("importance")
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseMetadata(s string) (map[string]string, error) {
	out := map[string]string{}
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid metadata pair %q, expected key=value", pair)
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out, nil
}

func printMemory(m memory.Memory) {
	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"id":        m.ID(),
			"type":      m.Type().String(),
			"content":   m.Content(),
			"timestamp": m.Timestamp(),
			"metadata":  m.Metadata(),
		}, "", "  ")
		fmt.Println(string(data))
		return
	}
	fmt.Printf("%s [%s] %s\n", m.ID(), m.Type().String(), m.Content())
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	recordMessageCmd.Flags().String("conversation", "", "conversation ID")
	recordMessageCmd.MarkFlagRequired("conversation")
	recordMessageCmd.Flags().String("importance", "", "override importance (0.0-1.0)")

	recordEntityCmd.Flags().String("name", "", "entity display name")
	recordEntityCmd.Flags().String("type", "", "entity type (e.g. person, project)")
	recordEntityCmd.Flags().String("importance", "", "override importance (0.0-1.0)")

	recordUserCmd.Flags().String("importance", "", "override importance (0.0-1.0)")

	recordKnowledgeCmd.Flags().String("metadata", "", "extra metadata as key=value,key2=value2")

	recordTaskCmd.Flags().Bool("success", true, "whether the task succeeded")
	recordTaskCmd.Flags().String("importance", "", "override importance (0.0-1.0)")

	recordCmd.AddCommand(recordMessageCmd, recordEntityCmd, recordUserCmd, recordKnowledgeCmd, recordTaskCmd)

	recallCmd.Flags().String("conversation", "", "recall a conversation's context")
	recallCmd.Flags().String("entity", "", "recall an entity's context")
	recallCmd.Flags().String("user", "", "recall a user's context")
	recallCmd.Flags().Int("limit", 20, "maximum conversation turns to include")

	searchCmd.Flags().Int("max-tokens", 500, "context token budget (roughly 4 chars/token)")

	consolidateCmd.Flags().String("older-than", "720h", "consolidate memories older than this duration")
	consolidateCmd.Flags().Int("min-count", 5, "minimum group size to consolidate")

	rootCmd.AddCommand(recordCmd, recallCmd, searchCmd, statsCmd, consolidateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
