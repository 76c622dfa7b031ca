package status

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/Warner231936/readingrabbit/monitor"
	"github.com/Warner231936/readingrabbit/pipeline"
)

// Run states reported by /status.
const (
	StateIdle       = "idle"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateCancelled  = "cancelled"
	StateError      = "error"
)

// Server exposes run progress and resource telemetry as read-only JSON.
// It stands in for the desktop progress window in headless deployments.
type Server struct {
	app *fiber.App
	mon *monitor.Monitor

	mu        sync.RWMutex
	state     string
	progress  pipeline.Progress
	video     string
	startedAt time.Time
}

func New(mon *monitor.Monitor) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ReadTimeout:           5 * time.Second,
		}),
		mon:   mon,
		state: StateIdle,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	s.app.Get("/status", func(c *fiber.Ctx) error {
		s.mu.RLock()
		defer s.mu.RUnlock()
		payload := fiber.Map{
			"state":    s.state,
			"video":    s.video,
			"progress": s.progress,
		}
		if !s.startedAt.IsZero() {
			payload["started_at"] = s.startedAt.UTC().Format(time.RFC3339)
			payload["elapsed_seconds"] = time.Since(s.startedAt).Seconds()
		}
		return c.JSON(payload)
	})

	s.app.Get("/resources", func(c *fiber.Ctx) error {
		payload := fiber.Map{"enabled": s.mon != nil}
		if s.mon != nil {
			if latest, ok := s.mon.Latest(); ok {
				payload["latest"] = toSampleJSON(latest)
			}
			history := s.mon.History()
			out := make([]sampleJSON, len(history))
			for i, sample := range history {
				out[i] = toSampleJSON(sample)
			}
			payload["history"] = out
			payload["alerts_triggered"] = s.mon.AlertCount()
		}
		return c.JSON(payload)
	})
}

// sampleJSON mirrors monitor.Sample with nullable GPU fields; NaN has no
// JSON encoding.
type sampleJSON struct {
	Time time.Time `json:"time"`
	CPU  float64   `json:"cpu"`
	RAM  float64   `json:"ram"`
	GPU  *float64  `json:"gpu"`
	VRAM *float64  `json:"vram"`
}

func toSampleJSON(s monitor.Sample) sampleJSON {
	out := sampleJSON{Time: s.Time, CPU: s.CPU, RAM: s.RAM}
	if !math.IsNaN(s.GPU) {
		out.GPU = &s.GPU
	}
	if !math.IsNaN(s.VRAM) {
		out.VRAM = &s.VRAM
	}
	return out
}

// StartRun marks a run as active.
func (s *Server) StartRun(videoPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateProcessing
	s.video = videoPath
	s.startedAt = time.Now()
	s.progress = pipeline.Progress{}
}

// UpdateProgress records the latest pipeline snapshot.
func (s *Server) UpdateProgress(p pipeline.Progress) {
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
}

// FinishRun records the terminal state of the run.
func (s *Server) FinishRun(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Listen serves in the background; failures are logged, not fatal, so a
// taken port never kills a processing run.
func (s *Server) Listen(addr string) {
	go func() {
		log.Printf("Status endpoint listening on %s", addr)
		if err := s.app.Listen(addr); err != nil {
			log.Printf("Status endpoint failed: %v", err)
		}
	}()
}

// Shutdown stops the listener.
func (s *Server) Shutdown() {
	if err := s.app.Shutdown(); err != nil {
		log.Printf("Status endpoint shutdown: %v", err)
	}
}

// App exposes the fiber app for handler tests.
func (s *Server) App() *fiber.App { return s.app }
