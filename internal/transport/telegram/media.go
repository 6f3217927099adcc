package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/relaydesk/internal/bus"
	"github.com/nextlevelbuilder/relaydesk/internal/transport"
)

// mediaRef extracts the attachment reference from a Telegram message, if
// any. Photos pick the largest rendition.
func mediaRef(msg *telego.Message) *bus.MediaRef {
	chat := strconv.FormatInt(msg.Chat.ID, 10)
	srcID := strconv.Itoa(msg.MessageID)

	switch {
	case msg.Voice != nil:
		return &bus.MediaRef{
			Kind: "voice", FileID: msg.Voice.FileID, MimeType: msg.Voice.MimeType,
			FileSize: int64(msg.Voice.FileSize), SourceChat: chat, SourceMsgID: srcID,
		}
	case msg.Audio != nil:
		return &bus.MediaRef{
			Kind: "audio", FileID: msg.Audio.FileID, FileName: msg.Audio.FileName,
			MimeType: msg.Audio.MimeType, FileSize: int64(msg.Audio.FileSize),
			SourceChat: chat, SourceMsgID: srcID,
		}
	case msg.Video != nil:
		return &bus.MediaRef{
			Kind: "video", FileID: msg.Video.FileID, FileName: msg.Video.FileName,
			MimeType: msg.Video.MimeType, FileSize: int64(msg.Video.FileSize),
			SourceChat: chat, SourceMsgID: srcID,
		}
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		return &bus.MediaRef{
			Kind: "image", FileID: largest.FileID, FileSize: int64(largest.FileSize),
			Caption: msg.Caption, SourceChat: chat, SourceMsgID: srcID,
		}
	case msg.Document != nil:
		return &bus.MediaRef{
			Kind: "document", FileID: msg.Document.FileID, FileName: msg.Document.FileName,
			MimeType: msg.Document.MimeType, FileSize: int64(msg.Document.FileSize),
			SourceChat: chat, SourceMsgID: srcID,
		}
	}
	return nil
}

// sendMedia uploads a staged file with the API call matching its kind.
func (t *Transport) sendMedia(ctx context.Context, chatID int64, up *transport.MediaUpload, opts transport.Options) (transport.SendResult, error) {
	f, err := os.Open(up.FilePath)
	if err != nil {
		return transport.SendResult{}, fmt.Errorf("telegram: open upload: %w", err)
	}
	defer f.Close()

	var sent *telego.Message
	switch {
	case up.VoiceNote || up.Kind == "voice":
		params := tu.Voice(tu.ID(chatID), tu.File(f))
		params.Caption = up.Caption
		sent, err = t.bot.SendVoice(ctx, params)
	case up.Kind == "audio":
		params := tu.Audio(tu.ID(chatID), tu.File(f))
		params.Caption = up.Caption
		sent, err = t.bot.SendAudio(ctx, params)
	case up.Kind == "video":
		params := tu.Video(tu.ID(chatID), tu.File(f))
		params.Caption = up.Caption
		sent, err = t.bot.SendVideo(ctx, params)
	case up.Kind == "image":
		params := tu.Photo(tu.ID(chatID), tu.File(f))
		params.Caption = up.Caption
		sent, err = t.bot.SendPhoto(ctx, params)
	default:
		params := tu.Document(tu.ID(chatID), tu.File(f))
		params.Caption = up.Caption
		sent, err = t.bot.SendDocument(ctx, params)
	}
	if err != nil {
		return transport.SendResult{}, fmt.Errorf("telegram: send %s: %w", up.Kind, err)
	}
	return transport.SendResult{MessageID: strconv.Itoa(sent.MessageID)}, nil
}

// Download fetches an attachment by file id into a local temp file.
func (t *Transport) Download(ctx context.Context, src *bus.MediaRef) (string, error) {
	file, err := t.bot.GetFile(ctx, &telego.GetFileParams{FileID: src.FileID})
	if err != nil {
		return "", fmt.Errorf("telegram: get file: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("telegram: empty file path for %s", src.FileID)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", t.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("telegram: download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("telegram: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("telegram: download status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	tmp, err := os.CreateTemp("", "relaydesk_media_*"+ext)
	if err != nil {
		return "", fmt.Errorf("telegram: temp file: %w", err)
	}
	defer tmp.Close()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("telegram: write download: %w", err)
	}
	return tmp.Name(), nil
}
