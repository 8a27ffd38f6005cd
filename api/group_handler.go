package api

import (
	"errors"
	"strconv"

	"rollgroups/service"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"
)

// GroupHandler serves the group registry and recompute endpoints
type GroupHandler struct {
	groups    service.GroupService
	recompute service.RecomputeService
	validate  *validator.Validate
}

// NewGroupHandler creates a new group handler
func NewGroupHandler(groups service.GroupService, recompute service.RecomputeService) *GroupHandler {
	return &GroupHandler{
		groups:    groups,
		recompute: recompute,
		validate:  newValidator(),
	}
}

// Register mounts the handler's routes. Static paths go first so they are
// not captured by :id.
func (h *GroupHandler) Register(router fiber.Router) {
	g := router.Group("/groups")
	g.Get("/", h.ListGroups)
	g.Post("/", h.CreateGroup)
	g.Post("/run-filters", h.RunGroupFilters)
	g.Get("/runs/latest", h.LatestRun)
	g.Get("/:id", h.GetGroup)
	g.Put("/:id", h.UpdateGroup)
	g.Delete("/:id", h.DeleteGroup)
	g.Get("/:id/students", h.GetGroupStudents)
}

func (h *GroupHandler) ListGroups(c *fiber.Ctx) error {
	groups, err := h.groups.ListGroups(c.UserContext())
	if err != nil {
		return err
	}
	return jsonOK(c, "Groups retrieved", groups)
}

func (h *GroupHandler) GetGroup(c *fiber.Ctx) error {
	id, err := groupID(c)
	if err != nil {
		return err
	}

	group, err := h.groups.GetGroup(c.UserContext(), id)
	if err != nil {
		return h.serviceError(c, err)
	}
	return jsonOK(c, "Group retrieved", group)
}

func (h *GroupHandler) CreateGroup(c *fiber.Ctx) error {
	var req GroupRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := h.validate.Struct(&req); err != nil {
		return jsonValidationError(c, "Invalid group", validationMessages(err))
	}

	group, err := h.groups.CreateGroup(c.UserContext(), req.ToInput())
	if err != nil {
		return h.serviceError(c, err)
	}

	log.WithFields(log.Fields{
		"groupID": group.ID,
		"name":    group.Name,
	}).Info("Group created")

	return jsonCreated(c, "Group created", group)
}

func (h *GroupHandler) UpdateGroup(c *fiber.Ctx) error {
	id, err := groupID(c)
	if err != nil {
		return err
	}

	var req GroupRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := h.validate.Struct(&req); err != nil {
		return jsonValidationError(c, "Invalid group", validationMessages(err))
	}

	group, err := h.groups.UpdateGroup(c.UserContext(), id, req.ToInput())
	if err != nil {
		return h.serviceError(c, err)
	}
	return jsonOK(c, "Group updated", group)
}

func (h *GroupHandler) DeleteGroup(c *fiber.Ctx) error {
	id, err := groupID(c)
	if err != nil {
		return err
	}

	if err := h.groups.DeleteGroup(c.UserContext(), id); err != nil {
		return h.serviceError(c, err)
	}

	log.WithField("groupID", id).Info("Group deleted")
	return jsonOK(c, "Group with id "+strconv.FormatInt(id, 10)+" got successfully deleted", nil)
}

func (h *GroupHandler) GetGroupStudents(c *fiber.Ctx) error {
	id, err := groupID(c)
	if err != nil {
		return err
	}

	students, err := h.groups.GetGroupStudents(c.UserContext(), id)
	if err != nil {
		return h.serviceError(c, err)
	}
	return jsonOK(c, "Group students retrieved", students)
}

// RunGroupFilters runs one recompute pass synchronously and returns its result
func (h *GroupHandler) RunGroupFilters(c *fiber.Ctx) error {
	result, err := h.recompute.RunOnce(c.UserContext())
	switch {
	case err == nil:
		return jsonOK(c, "Group filter analysis completed", result)
	case errors.Is(err, service.ErrPassInProgress):
		return jsonError(c, fiber.StatusConflict, err.Error(), ErrorCodePassInProgress)
	case errors.Is(err, service.ErrPassCancelled) && result != nil:
		return jsonErrorWithData(c, fiber.StatusServiceUnavailable, err.Error(), ErrorCodePassCancelled, result)
	case result != nil:
		return jsonErrorWithData(c, fiber.StatusInternalServerError, err.Error(), ErrorCodePassFailed, result)
	default:
		return err
	}
}

func (h *GroupHandler) LatestRun(c *fiber.Ctx) error {
	run, err := h.recompute.LatestRun(c.UserContext())
	if err != nil {
		return err
	}
	if run == nil {
		return jsonError(c, fiber.StatusNotFound, "No recompute pass has been recorded", ErrorCodeNotFound)
	}
	return jsonOK(c, "Latest recompute pass retrieved", run)
}

// serviceError maps domain errors onto HTTP responses; anything else is
// left to the server's error handler
func (h *GroupHandler) serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrGroupNotFound):
		return jsonError(c, fiber.StatusNotFound, err.Error(), ErrorCodeNotFound)
	case errors.Is(err, service.ErrInvalidGroupConfiguration):
		return jsonError(c, fiber.StatusBadRequest, err.Error(), ErrorCodeValidation)
	default:
		return err
	}
}

func groupID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "Invalid group id")
	}
	return id, nil
}
