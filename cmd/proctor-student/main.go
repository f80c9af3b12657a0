package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/proctorlink/proctorlink/internal/capture"
	"github.com/proctorlink/proctorlink/internal/config"
	"github.com/proctorlink/proctorlink/internal/logging"
	"github.com/proctorlink/proctorlink/internal/peer"
	"github.com/proctorlink/proctorlink/internal/session"
	"github.com/proctorlink/proctorlink/internal/signaling"
	"github.com/proctorlink/proctorlink/internal/storage"
	"github.com/proctorlink/proctorlink/internal/store"
	"github.com/proctorlink/proctorlink/internal/upload"
)

// Application holds all components of the student client.
type Application struct {
	config  *config.Config
	session *session.StudentSession
	exams   *store.PostgresStore
	logger  *zap.Logger
}

type flags struct {
	examID      string
	studentName string
	examName    string
	capturePath string
	answersPath string
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var f flags
	flag.StringVar(&f.examID, "exam", "", "exam identifier (required)")
	flag.StringVar(&f.studentName, "name", "", "student display name (required)")
	flag.StringVar(&f.examName, "exam-name", "", "exam display name")
	flag.StringVar(&f.capturePath, "capture", "", "path to the screen capture file (required)")
	flag.StringVar(&f.answersPath, "answers", "", "path to the answers JSON submitted on completion")
	flag.StringVar(&cfg.SignalingURL, "signaling-url", cfg.SignalingURL, "relay websocket URL")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flag.Parse()

	if f.examID == "" || f.studentName == "" || f.capturePath == "" {
		flag.Usage()
		os.Exit(2)
	}

	logger, flush, err := logging.Setup(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer flush()

	app, err := NewApplication(cfg, f, logger)
	if err != nil {
		logger.Fatal("Failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	if err := app.Run(f); err != nil {
		logger.Fatal("Error during exam session", zap.Error(err))
	}
}

func NewApplication(cfg *config.Config, f flags, logger *zap.Logger) (*Application, error) {
	exams, err := store.NewPostgresStore(store.PostgresConfig{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Username: cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
		SSLMode:  cfg.Postgres.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open exam store: %w", err)
	}

	objects, err := storage.NewMinIOStore(storage.MinIOConfig{
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKey,
		SecretAccessKey: cfg.Storage.SecretKey,
		Bucket:          cfg.Storage.Bucket,
		UseSSL:          cfg.Storage.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open object store: %w", err)
	}

	uploads := upload.NewPipeline(upload.Config{
		MaxArtifactBytes: cfg.Upload.MaxArtifactBytes,
		ChunkBytes:       cfg.Upload.ChunkBytes,
		Concurrency:      cfg.Upload.Concurrency,
	}, objects, exams, logger)

	recorder := capture.NewRecorder(0, logger)
	source := &screenSource{path: f.capturePath, logger: logger.Named("screen-source")}

	sess := session.NewStudentSession(session.StudentConfig{
		ExamID:        f.examID,
		StudentName:   f.studentName,
		ExamName:      f.examName,
		Server:        signaling.ServerConfig{URL: cfg.SignalingURL, STUNServers: cfg.STUNServers},
		UploadTimeout: cfg.Upload.Timeout,
	}, peer.NewNetwork(logger), source, recorder, uploads, exams, exams, logger)

	return &Application{
		config:  cfg,
		session: sess,
		exams:   exams,
		logger:  logger,
	}, nil
}

func (app *Application) Run(f flags) error {
	app.session.OnStatus(func(status string) {
		app.logger.Info("connection status", zap.String("status", status))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.session.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	app.logger.Info("completing exam", zap.String("signal", sig.String()))

	answers, err := loadAnswers(f.answersPath)
	if err != nil {
		return err
	}

	completeCtx, completeCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer completeCancel()
	result, err := app.session.Complete(completeCtx, answers)
	if err != nil {
		return fmt.Errorf("failed to complete exam: %w", err)
	}
	if result.Warning != "" {
		fmt.Fprintln(os.Stderr, result.Warning)
	}
	if result.RecordingURL != "" {
		app.logger.Info("recording stored", zap.String("url", result.RecordingURL))
	}
	return nil
}

func (app *Application) Cleanup() {
	app.session.Teardown()
	if err := app.exams.Close(); err != nil {
		app.logger.Warn("closing exam store", zap.Error(err))
	}
}

func loadAnswers(path string) (json.RawMessage, error) {
	if path == "" {
		return json.RawMessage(`{}`), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read answers file: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("answers file %s is not valid JSON", path)
	}
	return data, nil
}

// screenSource adapts the OS capture pipeline's output file into both a
// recording feed and a live outbound stream.
type screenSource struct {
	path   string
	logger *zap.Logger
}

func (s *screenSource) OpenRecording(ctx context.Context) (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	return &followReader{f: f, closed: make(chan struct{})}, nil
}

func (s *screenSource) OpenStream(ctx context.Context) (signaling.MediaStream, error) {
	stream, err := peer.NewScreenStream(fmt.Sprintf("screen-%d", time.Now().UnixMilli()))
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	go s.feed(f, stream.VideoTrack())
	return stream, nil
}

// feed pushes capture data onto the track until the track is stopped.
func (s *screenSource) feed(f *os.File, track *peer.LocalTrack) {
	defer f.Close()
	const frameInterval = 100 * time.Millisecond
	buf := make([]byte, 32*1024)
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for range ticker.C {
		if track.Stopped() {
			return
		}
		n, err := f.Read(buf)
		if n > 0 {
			if werr := track.WriteSample(buf[:n], frameInterval); werr != nil {
				if werr != peer.ErrTrackStopped {
					s.logger.Warn("writing sample", zap.Error(werr))
				}
				return
			}
		}
		if err == io.EOF {
			// Capture file still being written; wait for more data.
			continue
		}
		if err != nil {
			s.logger.Warn("reading capture file", zap.Error(err))
			return
		}
	}
}

// followReader tails a file that is still being appended to, ending only when
// closed.
type followReader struct {
	f         *os.File
	closed    chan struct{}
	closeOnce sync.Once
}

func (r *followReader) Read(p []byte) (int, error) {
	for {
		n, err := r.f.Read(p)
		if n > 0 || err != io.EOF {
			return n, err
		}
		select {
		case <-r.closed:
			return 0, io.EOF
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (r *followReader) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return r.f.Close()
}
