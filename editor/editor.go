// Package editor is Turq's control interface: a small web page where the
// operator edits the rules and installs them into the running server.
package editor

import (
	"context"
	"embed"
	"mime"
	"net"
	"net/http"
	"path"
	"strings"

	"github.com/flosch/pongo2/v6"
	"github.com/sirupsen/logrus"

	"github.com/vfaronov/turq/examples"
	"github.com/vfaronov/turq/rules"
)

//go:embed static
var staticFS embed.FS

//go:embed editor.html.tpl
var pageSource string

var pageTemplate = pongo2.Must(pongo2.FromString(pageSource))

// Server serves the editor endpoint. A nil Shutdown disables the shutdown
// button; an empty Password disables authentication.
type Server struct {
	Store    *rules.Store
	Log      *logrus.Logger
	MockURL  string // where the page tells the operator to point clients
	Password string
	Shutdown func()

	auth *digestAuth
}

func NewServer(store *rules.Store, log *logrus.Logger, mockURL, password string, shutdown func()) (*Server, error) {
	s := &Server{
		Store:    store,
		Log:      log,
		MockURL:  mockURL,
		Password: password,
		Shutdown: shutdown,
	}
	if password != "" {
		var err error
		s.auth, err = newDigestAuth(password)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Serve runs the editor on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	err := server.Serve(listener)
	if ctx.Err() != nil || err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/editor", s.handleEditor)
	mux.HandleFunc("/static/", s.handleStatic)
	return s.wrap(mux)
}

// wrap applies what every editor response needs: authentication, and
// headers that keep browsers from caching a page whose host and port may
// serve something entirely different tomorrow.
func (s *Server) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-UA-Compatible", "IE=edge")
		// before anything else: dot-dot never has business here
		if strings.Contains(r.URL.Path, "..") {
			http.NotFound(w, r)
			return
		}
		if s.auth != nil && !s.auth.check(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/editor", http.StatusFound)
}

func (s *Server) handleEditor(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.renderPage(w)
	case http.MethodPost:
		s.handlePost(w, r)
	default:
		w.Header().Set("Allow", "GET, HEAD, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) renderPage(w http.ResponseWriter) {
	page, err := pageTemplate.Execute(pongo2.Context{
		"rules":    s.Store.Source(),
		"mock_url": s.MockURL,
		"examples": examples.RenderHTML(3),
		"shutdown": s.Shutdown != nil,
	})
	if err != nil {
		s.Log.WithError(err).Error("cannot render editor page")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(page))
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad form", http.StatusBadRequest)
		return
	}

	if r.PostForm.Get("do") == "Shutdown" && s.Shutdown != nil {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("Turq will now shut down.\n"))
		s.Log.Info("shutting down per user request")
		// respond first, stop the process a beat later
		go s.Shutdown()
		return
	}

	if !r.PostForm.Has("rules") {
		http.Error(w, "Bad form", http.StatusBadRequest)
		return
	}
	source := strings.ReplaceAll(r.PostForm.Get("rules"), "\r\n", "\n")
	if err := s.Store.Install("<editor>", source); err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(err.Error() + "\n"))
		return
	}
	w.Header().Set("Location", "/editor")
	w.WriteHeader(http.StatusSeeOther)
	w.Write([]byte("Rules installed successfully.\n"))
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/static/")
	// no path traversal out of the bundled assets
	if name == "" || name != path.Clean(name) || strings.Contains(name, "..") {
		http.NotFound(w, r)
		return
	}
	data, err := staticFS.ReadFile("static/" + name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	ctype := mime.TypeByExtension(path.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Write(data)
}
