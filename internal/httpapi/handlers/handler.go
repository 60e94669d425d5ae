package handlers

import (
	"errors"
	"log"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/suPer8Hu/colorific/internal/common"
	"github.com/suPer8Hu/colorific/internal/config"
	"github.com/suPer8Hu/colorific/internal/httpapi/middleware"
	"github.com/suPer8Hu/colorific/internal/notify"
	"github.com/suPer8Hu/colorific/internal/queue"
	"github.com/suPer8Hu/colorific/internal/worker"
)

type Handler struct {
	Cfg        config.Config
	QueueSvc   *queue.Service
	Dispatcher *worker.Dispatcher
	Hub        *notify.Hub
}

func NewHandler(cfg config.Config, svc *queue.Service, d *worker.Dispatcher, hub *notify.Hub) *Handler {
	useJSONFieldNames()
	return &Handler{Cfg: cfg, QueueSvc: svc, Dispatcher: d, Hub: hub}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"message": "pong"})
}

var tagNameOnce sync.Once

// useJSONFieldNames makes validation errors report request field names
// (queueJobId) rather than Go field names (QueueJobID).
func useJSONFieldNames() {
	tagNameOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			for _, tag := range []string{"json", "form"} {
				name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
				if name == "-" {
					return ""
				}
				if name != "" {
					return name
				}
			}
			return f.Name
		})
	})
}

func validationDetails(err error) []common.FieldError {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return []common.FieldError{{Field: "request", Message: "malformed request"}}
	}
	out := make([]common.FieldError, 0, len(ve))
	for _, fe := range ve {
		out = append(out, common.FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "url":
		return "must be a valid URL"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	}
	return "is invalid"
}

func internalError(c *gin.Context, op string, err error) {
	log.Printf("[%s] request_id=%s err=%v", op, c.GetString(middleware.RequestIDKey), err)
	common.Fail(c, http.StatusInternalServerError, "Internal server error")
}
