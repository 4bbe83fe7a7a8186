package handlers

import (
	"context"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/api"
	"github.com/BaSui01/modelgate/gateway/store"
	"github.com/BaSui01/modelgate/types"
)

// ModelLister serves the logical model catalogue. Satisfied by
// *store.ConfigStore.
type ModelLister interface {
	ListModels(ctx context.Context) ([]store.Model, error)
}

// ModelsHandler serves GET /v1/models in the OpenAI listing shape.
type ModelsHandler struct {
	models ModelLister
	logger *zap.Logger
}

// NewModelsHandler builds the model listing handler.
func NewModelsHandler(models ModelLister, logger *zap.Logger) *ModelsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelsHandler{models: models, logger: logger.With(zap.String("component", "models_handler"))}
}

// HandleList lists enabled logical models, deduplicated by name.
func (h *ModelsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, h.logger) {
		return
	}

	rows, err := h.models.ListModels(r.Context())
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "listing models failed").
			WithCause(err), h.logger)
		return
	}

	seen := make(map[string]struct{}, len(rows))
	data := make([]api.ModelObject, 0, len(rows))
	for _, m := range rows {
		if !m.Enabled {
			continue
		}
		if _, dup := seen[m.Name]; dup {
			continue
		}
		seen[m.Name] = struct{}{}
		data = append(data, api.ModelObject{
			ID:      m.Name,
			Object:  "model",
			Created: m.CreatedAt.Unix(),
			OwnedBy: "modelgate",
		})
	}
	sort.Slice(data, func(i, j int) bool { return data[i].ID < data[j].ID })

	WriteJSON(w, http.StatusOK, api.ModelList{Object: "list", Data: data})
}
