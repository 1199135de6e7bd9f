package api

import "github.com/gorilla/mux"

func registerBaseRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/status", s.handleStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/ws/progress", s.handleProgressWebSocket).Methods("GET", "OPTIONS")
}

func registerV1Routes(r *mux.Router, s *Server) {
	r.HandleFunc("/v1/diamond", s.handleSearchDiamonds).Methods("GET", "OPTIONS")
	r.HandleFunc("/v1/diamond/{feed}/{supplier_stone_id}", s.handleGetDiamond).Methods("GET", "OPTIONS")
	r.HandleFunc("/v1/run", s.handleListRuns).Methods("GET", "OPTIONS")
	r.HandleFunc("/v1/run/{run_id}", s.handleGetRun).Methods("GET", "OPTIONS")
}

func registerAdminRoutes(r *mux.Router, s *Server) {
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminAuthMiddleware)
	admin.HandleFunc("/ingest/{feed}", s.handleAdminIngest).Methods("POST", "OPTIONS")
	admin.HandleFunc("/consolidate/{feed}/{run_id}", s.handleAdminConsolidate).Methods("POST", "OPTIONS")
	admin.HandleFunc("/run/{run_id}/cancel", s.handleAdminCancelRun).Methods("POST", "OPTIONS")
	admin.HandleFunc("/partition/{run_id}/{partition_id}/reset", s.handleAdminResetPartition).Methods("POST", "OPTIONS")
}
