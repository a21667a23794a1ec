package httpserver

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/rajbos/copilot-usage-sync/internal/app"
	"github.com/rajbos/copilot-usage-sync/internal/credentials"
	"github.com/rajbos/copilot-usage-sync/internal/identity"
	"github.com/rajbos/copilot-usage-sync/internal/queryservice"
	"github.com/rajbos/copilot-usage-sync/internal/sharing"
	"github.com/rajbos/copilot-usage-sync/internal/tablestore"
	"github.com/rajbos/copilot-usage-sync/internal/timeutil"
)

func registerRoutes(f *fiber.App, a *app.App) {
	f.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	f.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(a.Status())
	})

	v1 := f.Group("/v1")
	v1.Get("/query", handleQuery(a))
	v1.Post("/sync", handleSync(a))
	v1.Put("/profile", handleProfile(a))
	v1.Delete("/userdata/:userId", handleDeleteUserData(a))
	v1.Post("/probe", handleProbe(a))
	v1.Post("/setup", handleSetup(a))
}

func handleQuery(a *app.App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start, err := timeutil.ParseDay(c.Query("start"))
		if err != nil {
			return badRequest(c, "invalid start date: "+err.Error())
		}
		end, err := timeutil.ParseDay(c.Query("end"))
		if err != nil {
			return badRequest(c, "invalid end date: "+err.Error())
		}
		groupBy, err := queryservice.ParseDimension(c.Query("group_by"))
		if err != nil {
			return badRequest(c, err.Error())
		}

		result, err := a.QueryAggregates(c.UserContext(), queryservice.Filters{
			Start:       start,
			End:         end,
			Model:       c.Query("model"),
			WorkspaceID: c.Query("workspace"),
			MachineID:   c.Query("machine"),
			UserID:      c.Query("user"),
			GroupBy:     groupBy,
		})
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(result)
	}
}

func handleSync(a *app.App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		report, started := a.UploadRollups(c.UserContext())
		status := fiber.StatusOK
		if !started {
			// A cycle was already in flight; this trigger was a no-op.
			status = fiber.StatusConflict
		}
		return c.Status(status).JSON(fiber.Map{
			"started": started,
			"report":  report,
		})
	}
}

type profileRequest struct {
	Profile   string     `json:"profile"`
	ConsentAt *time.Time `json:"consentAt,omitempty"`
}

func handleProfile(a *app.App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req profileRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		profile, err := sharing.ParseProfile(req.Profile)
		if err != nil {
			return badRequest(c, err.Error())
		}
		consentAt := time.Time{}
		if req.ConsentAt != nil {
			consentAt = *req.ConsentAt
		}
		state, err := a.SetSharingProfile(profile, consentAt)
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(fiber.Map{
			"profile":   state.Profile,
			"consentAt": state.ConsentAt,
		})
	}
}

func handleDeleteUserData(a *app.App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		deleted, err := a.DeleteUserData(c.UserContext(), c.Params("userId"))
		if err != nil {
			var partial *tablestore.PartialDeleteError
			if errors.As(err, &partial) {
				return c.Status(fiber.StatusMultiStatus).JSON(fiber.Map{
					"deleted": partial.Deleted,
					"failed":  partial.Failed,
					"error":   credentials.Redact(err.Error()),
				})
			}
			return errorResponse(c, err)
		}
		return c.JSON(fiber.Map{"deleted": deleted})
	}
}

func handleProbe(a *app.App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := a.ProbeCredentials(c.UserContext()); err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(fiber.Map{"status": "ok"})
	}
}

func handleSetup(a *app.App) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req app.SetupRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		if err := a.Setup(c.UserContext(), req); err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(fiber.Map{"status": "ok"})
	}
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": message})
}

// errorResponse maps domain errors to HTTP statuses, always redacting the
// message. Permission and auth failures carry their remediation hint.
func errorResponse(c *fiber.Ctx, err error) error {
	var (
		consentErr *sharing.ErrConsentRequired
		aliasErr   *identity.AliasError
		filterErr  *tablestore.FilterError
		permErr    *credentials.PermissionError
		authErr    *credentials.AuthError
		netErr     *credentials.NetworkError
	)
	switch {
	case errors.As(err, &consentErr):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": consentErr.Error()})
	case errors.As(err, &aliasErr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": aliasErr.Error()})
	case errors.As(err, &filterErr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": filterErr.Error()})
	case errors.As(err, &permErr):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":       credentials.Redact(permErr.Error()),
			"remediation": permErr.Remediation,
		})
	case errors.As(err, &authErr):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":       credentials.Redact(authErr.Error()),
			"remediation": authErr.Remediation,
		})
	case errors.As(err, &netErr):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": credentials.Redact(netErr.Error())})
	case errors.Is(err, timeutil.ErrInvalidRange):
		return badRequest(c, err.Error())
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": credentials.Redact(err.Error())})
}
