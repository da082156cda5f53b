// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/AleutianLearn/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianLearn/services/producer"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes registers the learn server routes on router.
func SetupRoutes(router *gin.Engine, p *producer.Producer) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	streams := handlers.NewGenerationStreamHandler(p)

	// API version 1 group
	v1 := router.Group("/v1")
	{
		topics := v1.Group("/topics")
		{
			topics.POST("/stream", streams.HandleTopicStream)
			topics.POST("/:topicId/chapters/:chapterId/stream", streams.HandleChapterStream)
		}
	}
}
