package handlers

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/grouprelay/internal/chat"
	"github.com/pelusa-v/grouprelay/internal/config"
	"github.com/pelusa-v/grouprelay/internal/metrics"
	"github.com/pelusa-v/grouprelay/internal/protocol"
)

const localDeviceID = "deviceId"

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_\-]`)

type Handler struct {
	relay  *chat.Relay
	cfg    *config.Config
	logger zerolog.Logger
}

func New(relay *chat.Relay, cfg *config.Config, logger zerolog.Logger) *Handler {
	return &Handler{relay: relay, cfg: cfg, logger: logger}
}

// credential returns the header value, else the query value, exactly as sent.
// A value that is only whitespace counts as absent.
func credential(c *fiber.Ctx, header, query string) string {
	if v := c.Get(header); strings.TrimSpace(v) != "" {
		return v
	}
	if v := c.Query(query); strings.TrimSpace(v) != "" {
		return v
	}
	return ""
}

// Handshake GET /ws, runs before the upgrade
func (h *Handler) Handshake(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	deviceID := credential(c, protocol.HeaderDeviceID, protocol.QueryDeviceID)
	accessKey := credential(c, protocol.HeaderAccessKey, protocol.QueryAccessKey)
	if err := h.relay.Gateway().Authenticate(deviceID, accessKey); err != nil {
		h.logger.Warn().Err(err).Str("device", deviceID).Str("ip", c.IP()).Msg("handshake rejected")
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}
	c.Locals(localDeviceID, deviceID)
	return c.Next()
}

// WebSocket GET /ws
func (h *Handler) WebSocket(conn *websocket.Conn) {
	deviceID, _ := conn.Locals(localDeviceID).(string)
	if h.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}
	h.relay.Serve(h.relay.NewClient(deviceID, conn))
}

// Health GET /health
func (h *Handler) Health(c *fiber.Ctx) error {
	stats := h.relay.Stats()
	return c.JSON(fiber.Map{
		"ok":          true,
		"ts":          time.Now().UnixMilli(),
		"connections": stats.Connections,
		"rooms":       stats.Rooms,
	})
}

// ShowClientsHandler GET /clients?exclude=deviceOrConnId
func (h *Handler) ShowClientsHandler(c *fiber.Ctx) error {
	return c.JSON(h.relay.ListClients(c.Query("exclude")))
}

// RoomsHandler GET /rooms
func (h *Handler) RoomsHandler(c *fiber.Ctx) error {
	return c.JSON(h.relay.ListRooms())
}

// Upload POST /upload, multipart field "file"
func (h *Handler) Upload(c *fiber.Ctx) error {
	if err := h.relay.Gateway().CheckKey(c.Get(protocol.HeaderAccessKey)); err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid access key")
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "No file")
	}
	if h.cfg.MaxUploadBytes > 0 && fh.Size > int64(h.cfg.MaxUploadBytes) {
		return fiber.ErrRequestEntityTooLarge
	}

	name := uploadName(fh.Filename, time.Now())
	if err := c.SaveFile(fh, filepath.Join(h.cfg.UploadsDir, name)); err != nil {
		return errors.WithMessage(err, "failed to store upload")
	}
	metrics.Uploads.Inc()

	mimetype := fh.Header.Get(fiber.HeaderContentType)
	if mimetype == "" {
		mimetype = fiber.MIMEOctetStream
	}
	h.logger.Info().Str("name", name).Int64("size", fh.Size).Msg("file uploaded")
	return c.JSON(fiber.Map{
		"url":      c.BaseURL() + "/uploads/" + name,
		"mimetype": mimetype,
		"size":     fh.Size,
	})
}

// uploadName builds <unixms>_<random>_<base><ext> with everything but
// [a-zA-Z0-9_-] stripped from the base.
func uploadName(original string, now time.Time) string {
	original = filepath.Base(original)
	ext := filepath.Ext(original)
	base := unsafeNameChars.ReplaceAllString(strings.TrimSuffix(original, ext), "")
	if ext != "" && unsafeNameChars.MatchString(ext[1:]) {
		ext = ""
	}
	return strconv.FormatInt(now.UnixMilli(), 10) + "_" + uuid.NewString()[:8] + "_" + base + ext
}

// ClearUploads POST /uploads/clear
func (h *Handler) ClearUploads(c *fiber.Ctx) error {
	if err := h.relay.Gateway().CheckKey(c.Get(protocol.HeaderAccessKey)); err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid access key")
	}
	entries, err := os.ReadDir(h.cfg.UploadsDir)
	if err != nil && !os.IsNotExist(err) {
		return errors.WithMessage(err, "clear uploads failed")
	}
	cleared := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(h.cfg.UploadsDir, e.Name())); err != nil {
			h.logger.Warn().Err(err).Str("name", e.Name()).Msg("could not remove upload")
			continue
		}
		cleared++
	}
	return c.JSON(fiber.Map{"ok": true, "cleared": cleared})
}
