// Package handler maps the HTTP surface onto the check-in service. All
// business failures arrive as typed errors and leave as JSON; raw storage or
// transport errors never reach a caller.
package handler

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"gymgate/internal/auth"
	"gymgate/internal/checkin"
	"gymgate/internal/cloudinary"
	"gymgate/internal/face"
	"gymgate/internal/faceclient"
	"gymgate/internal/member"
	"gymgate/internal/qrtoken"
)

// Handler carries the service dependencies for all routes.
type Handler struct {
	svc           *checkin.Service
	photos        *cloudinary.Client // nil when not configured
	store         member.Store
	maxImageBytes int64
}

// New creates a handler. photos may be nil.
func New(svc *checkin.Service, photos *cloudinary.Client, store member.Store, maxImageBytes int64) *Handler {
	if maxImageBytes <= 0 {
		maxImageBytes = 5 << 20
	}
	return &Handler{svc: svc, photos: photos, store: store, maxImageBytes: maxImageBytes}
}

// Register mounts the staff and kiosk route groups.
func (h *Handler) Register(r *gin.Engine, signingKey, issuer string, kioskMiddleware ...gin.HandlerFunc) {
	staff := r.Group("/v1/staff", auth.StaffAuth(signingKey, issuer))
	staff.POST("/qr-token", h.IssueQRToken)
	staff.POST("/checkins", h.StaffCheckIn)
	staff.DELETE("/checkins/:regNo", h.RemoveTodayCheckIn)
	staff.POST("/faces", h.EnrollFace)
	staff.POST("/faces/image", h.EnrollFaceImage)
	staff.DELETE("/faces/:regNo", h.RemoveFace)
	staff.GET("/events", h.ListEvents)

	kiosk := r.Group("/v1/kiosk", kioskMiddleware...)
	kiosk.POST("/checkin", h.KioskCheckIn)
	kiosk.POST("/checkin/face", h.KioskCheckInFace)
	kiosk.POST("/checkin/image", h.KioskCheckInImage)
	kiosk.GET("/roster", h.KioskRoster)
}

// ---------- Staff ----------

// IssueQRToken mints a kiosk link for the caller's tenant.
func (h *Handler) IssueQRToken(c *gin.Context) {
	link := h.svc.IssueKioskLink(auth.TenantID(c))
	c.JSON(http.StatusOK, link)
}

// StaffCheckIn records a manual check-in by register number.
func (h *Handler) StaffCheckIn(c *gin.Context) {
	var req struct {
		RegNo int `json:"reg_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.svc.CheckInManual(c.Request.Context(), auth.TenantID(c), req.RegNo)
	if err != nil {
		h.writeCheckinError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RemoveTodayCheckIn undoes a check-in recorded earlier today.
func (h *Handler) RemoveTodayCheckIn(c *gin.Context) {
	regNo, ok := h.regNoParam(c)
	if !ok {
		return
	}
	removed, err := h.svc.RemoveToday(c.Request.Context(), auth.TenantID(c), regNo)
	if err != nil {
		h.writeCheckinError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// EnrollFace stores a browser-extracted descriptor for a member.
func (h *Handler) EnrollFace(c *gin.Context) {
	var req struct {
		RegNo      int             `json:"reg_no" binding:"required"`
		Descriptor face.Descriptor `json:"descriptor" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.EnrollFace(c.Request.Context(), auth.TenantID(c), req.RegNo, req.Descriptor); err != nil {
		h.writeEnrollError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// EnrollFaceImage enrolls via the remote recognition service and archives the
// photo when image storage is configured.
func (h *Handler) EnrollFaceImage(c *gin.Context) {
	regNo, err := strconv.Atoi(c.PostForm("reg_no"))
	if err != nil || regNo <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reg_no form field required"})
		return
	}
	image, filename, ok := h.readImage(c)
	if !ok {
		return
	}

	tenantID := auth.TenantID(c)
	if err := h.svc.EnrollFaceImage(c.Request.Context(), tenantID, regNo, image, filename); err != nil {
		h.writeEnrollError(c, err)
		return
	}

	// Archiving the photo is best effort; enrollment already succeeded.
	if h.photos != nil {
		if result, err := h.photos.UploadBytes(image, filename); err != nil {
			log.Printf("photo archive upload failed: %v", err)
		} else if err := h.store.SetPhotoURL(c.Request.Context(), tenantID, regNo, result.SecureURL); err != nil {
			log.Printf("photo url save failed: %v", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// RemoveFace clears both descriptor slots for a member.
func (h *Handler) RemoveFace(c *gin.Context) {
	regNo, ok := h.regNoParam(c)
	if !ok {
		return
	}
	if err := h.svc.RemoveFace(c.Request.Context(), auth.TenantID(c), regNo); err != nil {
		h.writeCheckinError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListEvents returns a member's attendance ledger.
func (h *Handler) ListEvents(c *gin.Context) {
	regNo, err := strconv.Atoi(c.Query("reg_no"))
	if err != nil || regNo <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reg_no query parameter required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	events, err := h.svc.Events(c.Request.Context(), auth.TenantID(c), regNo, limit, offset)
	if err != nil {
		h.writeCheckinError(c, err)
		return
	}
	if events == nil {
		events = []member.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// ---------- Kiosk (public, capability-token authorized) ----------

// KioskCheckIn handles QR + register-number self check-in.
func (h *Handler) KioskCheckIn(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
		RegNo int    `json:"reg_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.svc.CheckInQR(c.Request.Context(), req.Token, req.RegNo)
	if err != nil {
		h.writeCheckinError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// KioskCheckInFace handles QR + face-descriptor check-in.
func (h *Handler) KioskCheckInFace(c *gin.Context) {
	var req struct {
		Token      string          `json:"token" binding:"required"`
		Descriptor face.Descriptor `json:"descriptor" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.svc.CheckInFace(c.Request.Context(), req.Token, req.Descriptor)
	if err != nil {
		h.writeCheckinError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// KioskCheckInImage handles QR + face-image check-in (remote backend).
func (h *Handler) KioskCheckInImage(c *gin.Context) {
	token := c.PostForm("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token form field required"})
		return
	}
	image, filename, ok := h.readImage(c)
	if !ok {
		return
	}
	res, err := h.svc.CheckInImage(c.Request.Context(), token, image, filename)
	if err != nil {
		h.writeCheckinError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// KioskRoster lists currently-valid members for the autocomplete field.
func (h *Handler) KioskRoster(c *gin.Context) {
	roster, err := h.svc.Roster(c.Request.Context(), c.Query("token"))
	if err != nil {
		h.writeCheckinError(c, err)
		return
	}
	if roster == nil {
		roster = []member.RosterEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"members": roster})
}

// ---------- helpers ----------

func (h *Handler) regNoParam(c *gin.Context) (int, bool) {
	regNo, err := strconv.Atoi(c.Param("regNo"))
	if err != nil || regNo <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid register number"})
		return 0, false
	}
	return regNo, true
}

func (h *Handler) readImage(c *gin.Context) ([]byte, string, bool) {
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file required"})
		return nil, "", false
	}
	defer file.Close()
	if header.Size > h.maxImageBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return nil, "", false
	}
	data, err := io.ReadAll(io.LimitReader(file, h.maxImageBytes+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read image failed"})
		return nil, "", false
	}
	if int64(len(data)) > h.maxImageBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return nil, "", false
	}
	return data, header.Filename, true
}

// writeCheckinError converts typed check-in failures into JSON responses.
func (h *Handler) writeCheckinError(c *gin.Context, err error) {
	var expired *checkin.ExpiredError
	switch {
	case errors.Is(err, qrtoken.ErrInvalid):
		// One generic message for malformed, forged, expired, and revoked
		// tokens alike.
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired code, please rescan"})
	case errors.Is(err, checkin.ErrMemberNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "register number not found"})
	case errors.As(err, &expired):
		c.JSON(http.StatusForbidden, gin.H{
			"error":  "membership expired",
			"name":   expired.Name,
			"reg_no": expired.RegNo,
			"phone":  expired.Phone,
		})
	case errors.Is(err, checkin.ErrFaceRequired):
		c.JSON(http.StatusForbidden, gin.H{"error": "this member is enrolled for face check-in, please use the camera"})
	case errors.Is(err, checkin.ErrNotRecognized):
		c.JSON(http.StatusNotFound, gin.H{"error": "face not recognized"})
	default:
		log.Printf("check-in failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "check-in failed"})
	}
}

// writeEnrollError converts enrollment failures, keeping "no face in image"
// and "service misconfigured" distinct.
func (h *Handler) writeEnrollError(c *gin.Context, err error) {
	var dup *face.DuplicateError
	switch {
	case errors.As(err, &dup):
		c.JSON(http.StatusConflict, gin.H{
			"error":  "face already enrolled for another member",
			"name":   dup.Name,
			"reg_no": dup.RegNo,
		})
	case errors.Is(err, face.ErrDisabled):
		c.JSON(http.StatusForbidden, gin.H{"error": "face recognition is not enabled for this gym"})
	case errors.Is(err, face.ErrBadDescriptor):
		c.JSON(http.StatusBadRequest, gin.H{"error": "descriptor is not a valid face embedding"})
	case errors.Is(err, faceclient.ErrNoFace):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no face found in image, try another photo"})
	case errors.Is(err, faceclient.ErrUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "face recognition service is not available, check configuration"})
	case errors.Is(err, checkin.ErrMemberNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "register number not found"})
	default:
		log.Printf("enrollment failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enrollment failed"})
	}
}
