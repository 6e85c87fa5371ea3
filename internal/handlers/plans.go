package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/dev-xo/remix-saas-sub001/internal/models"
)

// PlanLister lists plans.
type PlanLister interface {
	ListPlans(ctx context.Context, activeOnly bool) ([]models.Plan, error)
}

// PlanAdminStore is the plan storage behind the admin routes.
type PlanAdminStore interface {
	PlanLister
	CreatePlan(ctx context.Context, in models.NewPlan) (*models.Plan, error)
	UpdatePlanByID(ctx context.Context, id int64, update models.PlanUpdate) (*models.Plan, error)
	DeletePlanByID(ctx context.Context, id int64) error
}

// ListPlans returns the plans on sale, cheapest first. The admin variant
// includes inactive plans.
func ListPlans(plans PlanLister, activeOnly bool, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := plans.ListPlans(r.Context(), activeOnly)
		if err != nil {
			writeError(w, logger, "plans: list", err)
			return
		}
		if list == nil {
			list = []models.Plan{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"plans": list})
	}
}

// CreatePlan adds a plan from a JSON body.
func CreatePlan(plans PlanAdminStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in models.NewPlan
		if err := decodeJSON(w, r, &in); err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}

		plan, err := plans.CreatePlan(r.Context(), in)
		if err != nil {
			writeError(w, logger, "plans: create", err)
			return
		}
		logger.Info("plans: created", zap.Int64("plan_id", plan.ID), zap.String("slug", plan.Slug))
		writeJSON(w, http.StatusCreated, plan)
	}
}

// UpdatePlan applies a partial JSON update to the plan named by {id}.
func UpdatePlan(plans PlanAdminStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r)
		if !ok {
			writeMessage(w, http.StatusBadRequest, "invalid plan id")
			return
		}

		var update models.PlanUpdate
		if err := decodeJSON(w, r, &update); err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}

		plan, err := plans.UpdatePlanByID(r.Context(), id, update)
		if err != nil {
			writeError(w, logger, "plans: update", err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
	}
}

// DeletePlan removes the plan named by {id}. Plans with subscribers are refused with 409.
func DeletePlan(plans PlanAdminStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r)
		if !ok {
			writeMessage(w, http.StatusBadRequest, "invalid plan id")
			return
		}

		if err := plans.DeletePlanByID(r.Context(), id); err != nil {
			writeError(w, logger, "plans: delete", err)
			return
		}
		logger.Info("plans: deleted", zap.Int64("plan_id", id))
		w.WriteHeader(http.StatusNoContent)
	}
}
