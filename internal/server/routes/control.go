package routes

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/app-cache/internal/server"
	"github.com/any-hub/app-cache/internal/worker"
)

// Controller 是控制面依赖的最小接口，*worker.Host 为生产实现。
type Controller interface {
	Status() worker.Status
	PostMessage(ctx context.Context, msg string) (bool, error)
}

// RegisterControlRoutes 暴露 /-/status 与 /-/message，分别用于查询各代状态
// 以及向 worker 投递 skipWaiting / downloadOffline 命令。
func RegisterControlRoutes(app *fiber.App, controller Controller, logger *logrus.Logger) {
	if app == nil || controller == nil {
		return
	}

	app.Get(server.DiagnosticsPrefix+"status", func(c fiber.Ctx) error {
		return c.JSON(controller.Status())
	})

	app.Post(server.DiagnosticsPrefix+"message", func(c fiber.Ctx) error {
		msg := strings.TrimSpace(string(c.Body()))
		if msg == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "message_required"})
		}

		recognized, err := controller.PostMessage(c.Context(), msg)
		fields := logrus.Fields{
			"action":     "message",
			"message":    msg,
			"recognized": recognized,
			"request_id": server.RequestID(c),
		}
		if err != nil {
			if logger != nil {
				logger.WithFields(fields).WithError(err).Error("message_failed")
			}
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":   "message_failed",
				"message": msg,
				"detail":  err.Error(),
			})
		}
		if logger != nil {
			logger.WithFields(fields).Info("message_handled")
		}
		if !recognized {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"message": msg, "status": "ignored"})
		}
		return c.JSON(fiber.Map{"message": msg, "status": "ok"})
	})
}
