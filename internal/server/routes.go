package server

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ilaydaydemir/screencast/internal/capture"
	"github.com/ilaydaydemir/screencast/internal/session"
)

func (s *FiberServer) RegisterRoutes() {
	s.App.Get("/", s.rootHandler)
	s.App.Get("/health", s.healthHandler)
	s.App.Get("/state", s.stateHandler)
	s.App.Get("/devices", s.devicesHandler)

	control := s.App.Group("/control")
	control.Post("/start", s.startHandler)
	control.Post("/stop", s.stopHandler)
	control.Post("/pause", s.pauseHandler)
	control.Post("/resume", s.resumeHandler)
	control.Post("/discard", s.discardHandler)
	control.Post("/download", s.downloadHandler)
	control.Post("/upload", s.uploadHandler)

	pv := s.App.Group("/preview")
	pv.Post("/offer", s.previewOfferHandler)
	pv.Post("/candidate", s.previewCandidateHandler)
	pv.Delete("/:viewerID", s.previewCloseHandler)

	s.App.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.App.Get("/ws", websocket.New(s.hub.Serve))
}

func (s *FiberServer) rootHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"name": "screencast-agent"})
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	if err := s.ffmpeg.CheckAvailable(); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "degraded",
			"error":  err.Error(),
		})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *FiberServer) stateHandler(c *fiber.Ctx) error {
	return c.JSON(s.controller.GetState())
}

func (s *FiberServer) devicesHandler(c *fiber.Ctx) error {
	cameras, mics := s.ffmpeg.ListDevices()
	return c.JSON(fiber.Map{"cameras": cameras, "microphones": mics})
}

type startRequest struct {
	Mode           string `json:"mode"`
	CameraDeviceID string `json:"cameraDeviceId"`
	MicDeviceID    string `json:"micDeviceId"`
}

func (s *FiberServer) startHandler(c *fiber.Ctx) error {
	var req startRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid request body"})
	}
	if !capture.ValidMode(req.Mode) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "unknown recording mode"})
	}
	snap, err := s.controller.Start(c.Context(), req.Mode, req.CameraDeviceID, req.MicDeviceID)
	if err != nil {
		return s.controlError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "session": snap})
}

func (s *FiberServer) stopHandler(c *fiber.Ctx) error {
	result, err := s.controller.Stop(c.Context())
	if err != nil {
		return s.controlError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":           true,
		"elapsedSeconds":    result.Elapsed,
		"artifactSizeBytes": result.ArtifactSizeBytes,
	})
}

func (s *FiberServer) pauseHandler(c *fiber.Ctx) error {
	if err := s.controller.Pause(c.Context()); err != nil {
		return s.controlError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (s *FiberServer) resumeHandler(c *fiber.Ctx) error {
	if err := s.controller.Resume(c.Context()); err != nil {
		return s.controlError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (s *FiberServer) discardHandler(c *fiber.Ctx) error {
	if err := s.controller.Discard(c.Context()); err != nil {
		return s.controlError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

type titledRequest struct {
	Title string `json:"title"`
}

func (s *FiberServer) downloadHandler(c *fiber.Ctx) error {
	var req titledRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid request body"})
	}
	path, err := s.controller.Download(c.Context(), req.Title)
	if err != nil {
		return s.controlError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "path": path})
}

func (s *FiberServer) uploadHandler(c *fiber.Ctx) error {
	var req titledRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid request body"})
	}
	remoteID, err := s.controller.UploadToRemote(c.Context(), req.Title)
	if err != nil {
		return s.controlError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "remoteId": remoteID})
}

type offerRequest struct {
	ViewerID string `json:"viewerId"`
	SDP      string `json:"sdp"`
}

func (s *FiberServer) previewOfferHandler(c *fiber.Ctx) error {
	var req offerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid request body"})
	}
	if req.ViewerID == "" {
		req.ViewerID = uuid.NewString()
	}
	answer, err := s.preview.HandleOffer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  req.SDP,
	}, req.ViewerID)
	if err != nil {
		s.logger.Warn("preview offer failed", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	return c.JSON(fiber.Map{"success": true, "viewerId": req.ViewerID, "sdp": answer.SDP})
}

type candidateRequest struct {
	ViewerID  string `json:"viewerId"`
	Candidate string `json:"candidate"`
}

func (s *FiberServer) previewCandidateHandler(c *fiber.Ctx) error {
	var req candidateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid request body"})
	}
	err := s.preview.HandleICECandidate(webrtc.ICECandidateInit{Candidate: req.Candidate}, req.ViewerID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	return c.JSON(fiber.Map{"success": true})
}

func (s *FiberServer) previewCloseHandler(c *fiber.Ctx) error {
	s.preview.ClosePeerConnection(c.Params("viewerID"))
	return c.JSON(fiber.Map{"success": true})
}

// controlError maps controller failures onto HTTP statuses the panel can
// branch on without parsing messages.
func (s *FiberServer) controlError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrAlreadyRecording), errors.Is(err, session.ErrInvalidState):
		status = fiber.StatusConflict
	case errors.Is(err, session.ErrNoArtifact):
		status = fiber.StatusNotFound
	case errors.Is(err, capture.ErrPermissionDenied):
		status = fiber.StatusForbidden
	case errors.Is(err, capture.ErrContextUnavailable):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, capture.ErrCaptureSourceUnavailable):
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(fiber.Map{"success": false, "error": err.Error()})
}
