package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/MarkoPoloResearchLab/meetingcredits/internal/signature"
	"github.com/gin-gonic/gin"
)

// MaxBodyBytes caps the delivery body read before any parsing.
const MaxBodyBytes int64 = 1 << 20

// Path is where deliveries are received.
const Path = "/api/calendly/webhook"

// Handler exposes a Processor over HTTP.
type Handler struct {
	processor *Processor
}

// NewHandler builds a Handler.
func NewHandler(processor *Processor) *Handler {
	return &Handler{processor: processor}
}

// Register mounts the webhook routes.
func (handler *Handler) Register(routes gin.IRoutes) {
	routes.POST(Path, handler.Receive)
	routes.GET(Path, handler.Status)
}

// Status answers liveness probes from the sender's dashboard.
func (handler *Handler) Status(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Receive processes one delivery and maps the outcome to an HTTP status.
func (handler *Handler) Receive(ctx *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, MaxBodyBytes))
	if err != nil {
		var maxBytesError *http.MaxBytesError
		if errors.As(err, &maxBytesError) {
			ctx.JSON(http.StatusRequestEntityTooLarge, messageResponse("payload too large"))
			return
		}
		ctx.JSON(http.StatusBadRequest, messageResponse("unreadable body"))
		return
	}

	result, err := handler.processor.Process(ctx.Request.Context(), body, ctx.GetHeader(signature.HeaderName))
	switch {
	case err == nil && result.Disposition == DispositionProcessed:
		ctx.JSON(http.StatusOK, gin.H{"success": true, "message": result.Message})
	case err == nil:
		ctx.JSON(http.StatusOK, messageResponse(result.Message))
	case errors.Is(err, ErrUnauthorized):
		ctx.JSON(http.StatusUnauthorized, messageResponse("signature verification failed"))
	case errors.Is(err, ErrInvalidJSON):
		ctx.JSON(http.StatusBadRequest, messageResponse("invalid json"))
	case errors.Is(err, ErrUnrecognizedPayload):
		ctx.JSON(http.StatusBadRequest, messageResponse("unrecognized payload"))
	default:
		ctx.JSON(http.StatusInternalServerError, messageResponse("processing failed"))
	}
}

func messageResponse(message string) gin.H {
	return gin.H{"message": message}
}
