package httpapi

// mountRoutes binds all public endpoints onto the engine.
func (s *Server) mountRoutes() {
	r := s.engine

	r.GET("/health", s.handleHealth)

	// Issuance: coarse per-IP cap here, the per-email quota lives in the core.
	r.POST("/magic-link/start",
		s.limitIP("start-ip:", s.cfg.StartIPLimit, s.cfg.StartIPWindow, false),
		s.handleStart)

	// Consumption: the per-IP counter resets after a successful login.
	consume := r.Group("/magic-link", s.logAttempt(),
		s.limitIP("consume-ip:", s.cfg.ConsumeIPLimit, s.cfg.ConsumeIPWindow, true))
	consume.GET("/verify", s.handleVerify)
	consume.POST("/exchange", s.handleExchange)

	if s.cfg.AdminToken == "" {
		return
	}
	admin := r.Group("/admin/magic-links", s.requireAdmin())
	admin.GET("", s.handleList)
	admin.POST("/prune", s.handlePrune)
	admin.GET("/:public_id", s.handleGet)
	admin.POST("/:public_id/revoke", s.handleRevoke)
	admin.POST("/:public_id/extend", s.handleExtend)
}
