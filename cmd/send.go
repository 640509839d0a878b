package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"widgetchat/messaging"
)

var (
	sendConversation   string
	attachConversation string
	attachThumb        string
	attachFileType     string
)

func init() {
	sendCmd.Flags().StringVarP(&sendConversation, "conversation", "C", "", "conversation id")
	_ = sendCmd.MarkFlagRequired("conversation")
	rootCmd.AddCommand(sendCmd)

	attachCmd.Flags().StringVarP(&attachConversation, "conversation", "C", "", "conversation id")
	attachCmd.Flags().StringVar(&attachThumb, "thumb", "", "local preview URL shown until the upload finishes (default file:// path)")
	attachCmd.Flags().StringVar(&attachFileType, "file-type", "", "attachment file type (default derived from extension)")
	_ = attachCmd.MarkFlagRequired("conversation")
	rootCmd.AddCommand(attachCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <content>",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd, true)
		if err != nil {
			return err
		}
		defer rt.Close()

		sent, err := rt.coordinator.SendText(cmd.Context(), strings.Join(args, " "), sendConversation)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), sent)
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach <file>",
	Short: "Upload a file as an attachment message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open attachment: %w", err)
		}
		defer file.Close()

		rt, err := openRuntime(cmd, true)
		if err != nil {
			return err
		}
		defer rt.Close()

		thumb := attachThumb
		if thumb == "" {
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			thumb = "file://" + filepath.ToSlash(abs)
		}

		sent, err := rt.coordinator.SendAttachment(cmd.Context(), messaging.AttachmentParams{
			ConversationID: attachConversation,
			Attachment: messaging.AttachmentDescriptor{
				ThumbURL: thumb,
				FileType: attachmentFileType(path, attachFileType),
				FileName: filepath.Base(path),
				File:     file,
			},
		})
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), sent)
	},
}

// attachmentFileType maps a file to the widget's coarse file types.
func attachmentFileType(path, override string) string {
	if override != "" {
		return override
	}
	mediaType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return "image"
	case strings.HasPrefix(mediaType, "audio/"):
		return "audio"
	case strings.HasPrefix(mediaType, "video/"):
		return "video"
	default:
		return "file"
	}
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
