package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/mgarciad/remindly/internal/api/handlers/reminder"
	"github.com/mgarciad/remindly/internal/middlewares"
)

func New(handler *reminder.Handler) *ginext.Engine {
	e := ginext.New()
	e.Use(middlewares.CORSMiddleware())
	e.Use(ginext.Logger())
	e.Use(ginext.Recovery())

	api := e.Group("/api/reminders")
	{
		api.POST("/", handler.Create)
		api.GET("/", handler.GetAll)
		api.GET("/:id", handler.Get)
		api.GET("/:id/status", handler.GetStatus)
		api.PUT("/:id", handler.Update)
		api.DELETE("/:id", handler.Delete)
	}

	return e
}
