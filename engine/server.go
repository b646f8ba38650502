package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/uc-cdis/bosun/logging"
	"github.com/uc-cdis/go-authutils/authutils"
)

// this file contains the status server
// it is read only: everything it reports is rebuilt from the pipeline roots
// under one base dir, so it can run next to, or long after, the engine

const authHeader = "Authorization"

type JWTDecoder interface {
	Decode(string) (*map[string]interface{}, error)
}

type TokenInfo struct {
	UserID string
}

type Server struct {
	BaseDir string
	jwtApp  JWTDecoder
	history HistoryReader
	logger  *logrus.Entry
}

// HistoryReader reads the run history database, when one is configured.
type HistoryReader interface {
	Pipelines() ([]RecordedPipeline, error)
	ModuleRuns(root string) ([]RecordedModule, error)
}

// RecordedPipeline is a pipeline root as the run history last saw it.
type RecordedPipeline struct {
	Name    string `json:"name"`
	Root    string `json:"root"`
	Attempt int    `json:"attempt"`
	Status  string `json:"status"`
	Updated string `json:"updated"`
}

// RecordedModule is one recorded module outcome; restarts add rows, never replace them.
type RecordedModule struct {
	Name     string  `json:"name"`
	Attempt  int     `json:"attempt"`
	Status   string  `json:"status"`
	Duration float64 `json:"duration,omitempty"`
	Error    string  `json:"error,omitempty"`
	Recorded string  `json:"recorded"`
}

// PipelineView is what the server reports for one pipeline root.
type PipelineView struct {
	Name     string       `json:"name"`
	Root     string       `json:"root"`
	Status   string       `json:"status"`
	Backend  string       `json:"backend"`
	Created  string       `json:"created"`
	Attempts int          `json:"attempts"`
	RunID    string       `json:"runID"`
	Modules  []ModuleView `json:"modules,omitempty"`

	History []RecordedModule `json:"history,omitempty"`
}

type ModuleView struct {
	Name     string  `json:"name"`
	Status   string  `json:"status"`
	Duration float64 `json:"duration,omitempty"`
}

func NewServer(baseDir string) *Server {
	return &Server{BaseDir: baseDir, logger: logrus.WithField("component", "server")}
}

func (server *Server) WithJWTApp(jwtApp JWTDecoder) *Server {
	server.jwtApp = jwtApp
	return server
}

func (server *Server) WithHistory(history HistoryReader) *Server {
	server.history = history
	return server
}

func (server *Server) MakeRouter(out io.Writer) http.Handler {
	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/_status", server.handleHealthcheck).Methods("GET")
	router.Handle("/pipelines", server.handleAuth(http.HandlerFunc(server.handleListPipelines))).Methods("GET")
	router.Handle("/pipelines/{name}", server.handleAuth(http.HandlerFunc(server.handleGetPipeline))).Methods("GET")
	router.Handle("/history", server.handleAuth(http.HandlerFunc(server.handleListHistory))).Methods("GET")
	return handlers.LoggingHandler(out, router)
}

// RunServer serves the status API for baseDir until ctx is cancelled.
// When jwks is set every request but the health check needs a bearer token.
// history may be nil.
func RunServer(ctx context.Context, baseDir string, port uint, jwks string, history HistoryReader) error {
	server := NewServer(baseDir)
	if jwks != "" {
		server.WithJWTApp(authutils.NewJWTApplication(jwks))
	}
	if history != nil {
		server.WithHistory(history)
	}
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      server.MakeRouter(os.Stdout),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	server.logger.Infof("bosun serving %s at %s", baseDir, httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (server *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Healthy"))
}

func (server *Server) handleAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if server.jwtApp != nil {
			if _, err := server.userID(r); err != nil {
				server.logger.Warnf("unauthorized request to %s: %v", r.URL.Path, err)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (server *Server) userID(r *http.Request) (string, error) {
	header := r.Header.Get(authHeader)
	if header == "" {
		return "", errors.New("no token in Authorization header")
	}
	userJWT := strings.TrimPrefix(header, "Bearer ")
	userJWT = strings.TrimPrefix(userJWT, "bearer ")
	info, err := server.decodeToken(userJWT)
	if err != nil {
		return "", err
	}
	return info.UserID, nil
}

// decodeToken reads context.user.name from the token claims.
func (server *Server) decodeToken(token string) (*TokenInfo, error) {
	missingRequiredField := func(field string) error {
		return fmt.Errorf("failed to decode token: missing required field `%s`", field)
	}
	fieldTypeError := func(field string) error {
		return fmt.Errorf("failed to decode token: field `%s` has wrong type", field)
	}
	claims, err := server.jwtApp.Decode(token)
	if err != nil {
		return nil, fmt.Errorf("error decoding token: %v", err)
	}
	contextInterface, exists := (*claims)["context"]
	if !exists {
		return nil, missingRequiredField("context")
	}
	claimsContext, casted := contextInterface.(map[string]interface{})
	if !casted {
		return nil, fieldTypeError("context")
	}
	userInterface, exists := claimsContext["user"]
	if !exists {
		return nil, missingRequiredField("user")
	}
	user, casted := userInterface.(map[string]interface{})
	if !casted {
		return nil, fieldTypeError("user")
	}
	usernameInterface, exists := user["name"]
	if !exists {
		return nil, missingRequiredField("name")
	}
	username, casted := usernameInterface.(string)
	if !casted {
		return nil, fieldTypeError("name")
	}
	return &TokenInfo{UserID: username}, nil
}

func (server *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	entries, err := ioutil.ReadDir(server.BaseDir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := []*PipelineView{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		view, err := readPipelineView(filepath.Join(server.BaseDir, entry.Name()), false)
		if err != nil {
			continue
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Root < views[j].Root })
	writeJSON(w, views)
}

func (server *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		http.Error(w, "invalid pipeline name", http.StatusBadRequest)
		return
	}
	root := filepath.Join(server.BaseDir, name)
	view, err := readPipelineView(root, true)
	if err != nil {
		http.Error(w, fmt.Sprintf("no pipeline %s", name), http.StatusNotFound)
		return
	}
	if server.history != nil {
		// the markers are the truth; history is extra detail and may be unreachable
		if view.History, err = server.history.ModuleRuns(root); err != nil {
			server.logger.Warnf("run history unavailable for %s: %v", name, err)
		}
	}
	writeJSON(w, view)
}

func (server *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if server.history == nil {
		http.Error(w, "run history is not configured", http.StatusNotFound)
		return
	}
	pipelines, err := server.history.Pipelines()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, pipelines)
}

// readPipelineView builds the view from pipeline.json and the markers.
func readPipelineView(root string, withModules bool) (*PipelineView, error) {
	b, err := ioutil.ReadFile(filepath.Join(root, pipelineFile))
	if err != nil {
		return nil, err
	}
	record := pipelineRecord{}
	if err = json.Unmarshal(b, &record); err != nil {
		return nil, err
	}
	view := &PipelineView{
		Name:     record.Name,
		Root:     filepath.Base(root),
		Status:   rootStatus(root).String(),
		Backend:  record.Backend,
		Created:  record.Created,
		Attempts: record.Attempts,
		RunID:    record.RunID,
	}
	if !withModules {
		return view, nil
	}
	runLog, err := logging.LoadRunLog(filepath.Join(root, runLogFile))
	if err != nil {
		runLog = nil
	}
	for _, name := range record.Sequence {
		module := ModuleView{Name: name, Status: dirStatus(filepath.Join(root, name)).String()}
		if runLog != nil {
			if log, ok := runLog.ByModule[name]; ok {
				module.Duration = log.Stats.Duration
			}
		}
		view.Modules = append(view.Modules, module)
	}
	return view, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
