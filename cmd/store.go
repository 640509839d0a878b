package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"widgetchat/models"
	"widgetchat/storage"
)

var (
	listLimit      int
	listOffset     int
	pruneOlderThan time.Duration
	watchMerge     bool
)

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum messages to print")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "messages to skip")
	rootCmd.AddCommand(listCmd)

	rootCmd.AddCommand(mergeCmd)

	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "age after which a sending message is stale (default pending_ttl_seconds)")
	rootCmd.AddCommand(pruneCmd)

	rootCmd.AddCommand(markFailedCmd)

	watchCmd.Flags().BoolVar(&watchMerge, "merge-stdin", false, "merge newline-delimited JSON messages read from stdin")
	rootCmd.AddCommand(watchCmd)

	rootCmd.AddCommand(infoCmd)
}

var listCmd = &cobra.Command{
	Use:   "list <conversation-id>",
	Short: "Print stored messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		messages, err := rt.store.GetMessages(args[0], listLimit, listOffset)
		if err != nil {
			return err
		}
		meta, err := rt.store.GetConversationMeta(args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), struct {
			Meta     models.ConversationMeta `json:"meta"`
			Messages []models.Message        `json:"messages"`
		}{Meta: meta, Messages: messages})
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge <json-file>",
	Short: "Merge server messages (one object or an array) into the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}
		messages, err := decodeMessages(raw)
		if err != nil {
			return err
		}

		rt, err := openRuntime(cmd, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		for _, message := range messages {
			if err := rt.coordinator.MergeIncoming(message); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "merged %d message(s)\n", len(messages))
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Mark sending messages older than the pending TTL as failed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		olderThan := pruneOlderThan
		if olderThan <= 0 {
			olderThan = rt.cfg.PendingTTL()
		}
		marked, err := rt.store.PruneStalePending(time.Now().Add(-olderThan).Unix())
		if err != nil {
			return err
		}
		rt.logger.Info("stale_pending_pruned", zap.Int64("marked", marked), zap.Duration("older_than", olderThan))
		fmt.Fprintf(cmd.OutOrStdout(), "marked %d message(s) failed\n", marked)
		return nil
	},
}

var markFailedCmd = &cobra.Command{
	Use:   "mark-failed <echo-id>",
	Short: "Mark a pending message as failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.store.MarkFailed(args[0]); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("no sending message with echo id %q", args[0])
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "marked %s failed\n", args[0])
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print store changes, optionally merging a realtime feed from stdin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		changes, cancel := rt.store.Subscribe(256)
		defer cancel()

		feedDone := make(chan error, 1)
		if watchMerge {
			go func() {
				feedDone <- mergeFeed(cmd.InOrStdin(), rt)
			}()
		}

		out := cmd.OutOrStdout()
		for {
			select {
			case change := <-changes:
				fmt.Fprintf(out, "%s %s %s\n", change.Kind, change.Entity, change.Key)
			case err := <-feedDone:
				drainChanges(out, changes)
				return err
			case <-cmd.Context().Done():
				return nil
			}
		}
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print client identity and file locations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Client ID:       %s\n", rt.cfg.ClientID)
		fmt.Fprintf(out, "API Base URL:    %s\n", valueOr(rt.cfg.APIBaseURL, "(discovery)"))
		fmt.Fprintf(out, "Config File:     %s\n", rt.cfgPath)
		fmt.Fprintf(out, "Data Directory:  %s\n", rt.dataDir)
		fmt.Fprintf(out, "Database File:   %s\n", rt.dbPath)
		return nil
	},
}

// mergeFeed merges one JSON message per line until r is exhausted.
func mergeFeed(r io.Reader, rt *runtime) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var message models.Message
		if err := json.Unmarshal(line, &message); err != nil {
			rt.logger.Warn("feed_message_invalid", zap.Error(err))
			continue
		}
		if err := rt.coordinator.MergeIncoming(message); err != nil {
			rt.logger.Warn("feed_message_merge_failed", zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read feed: %w", err)
	}
	return nil
}

func drainChanges(out io.Writer, changes <-chan storage.Change) {
	for {
		select {
		case change := <-changes:
			fmt.Fprintf(out, "%s %s %s\n", change.Kind, change.Entity, change.Key)
		default:
			return
		}
	}
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return raw, nil
}

func decodeMessages(raw []byte) ([]models.Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("no messages in input")
	}
	if raw[0] == '[' {
		var messages []models.Message
		if err := json.Unmarshal(raw, &messages); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
		return messages, nil
	}
	var message models.Message
	if err := json.Unmarshal(raw, &message); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return []models.Message{message}, nil
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
