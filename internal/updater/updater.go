package updater

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/librescoot/fota-service/internal/config"
	"github.com/librescoot/fota-service/internal/fetch"
	"github.com/librescoot/fota-service/internal/fota"
	"github.com/librescoot/fota-service/internal/inhibitor"
	"github.com/librescoot/fota-service/internal/power"
	"github.com/librescoot/fota-service/internal/redis"
	"github.com/librescoot/fota-service/internal/sched"
	"github.com/librescoot/fota-service/internal/status"
	"github.com/librescoot/fota-service/internal/vehicle"
)

// Commands accepted on the command channel
const (
	CommandUpdate       = "update"
	CommandUpdateLatest = "update-latest"
	CommandUpgrade      = "upgrade"
	CommandCancel       = "cancel"
)

// Error types published in the error field
const (
	ErrorTypeDownload  = "download-failed"
	ErrorTypeFlash     = "flash-write-failed"
	ErrorTypeIntegrity = "integrity-failed"
	ErrorTypeNoImage   = "no-image"
	ErrorTypeUpgrade   = "upgrade-failed"
	ErrorTypeCommand   = "invalid-command"
)

// Slots is the flash side of the agent: the session coordinator plus the
// boot confirmation the running firmware owes the bootloader.
type Slots interface {
	fota.Coordinator
	ConfirmBoot() error
}

// Updater owns the single update session and bridges it to Redis commands,
// the HTTP transport and the power manager
type Updater struct {
	config    *config.Config
	slots     Slots
	redis     *redis.Client
	vehicle   *vehicle.Service
	inhibitor *inhibitor.Client
	power     *power.Client
	reporter  *status.Reporter
	sched     *sched.Scheduler
	session   *fota.Session
	streamer  *fetch.Streamer
	releases  *ReleasesAPI
	logger    *log.Logger

	mu              sync.Mutex
	ctx             context.Context
	cancelDownload  context.CancelFunc
	downloadDone    chan struct{}
	upgradeDeferred bool
	// upgradeScheduled latches once the reset into the accepted image is
	// queued; the download slot must not be touched after that
	upgradeScheduled bool
}

// New creates a new updater
func New(cfg *config.Config, slots Slots, redisClient *redis.Client, vehicleService *vehicle.Service, inhibitorClient *inhibitor.Client, powerClient *power.Client, logger *log.Logger) *Updater {
	s := sched.New(logger)

	return &Updater{
		config:    cfg,
		slots:     slots,
		redis:     redisClient,
		vehicle:   vehicleService,
		inhibitor: inhibitorClient,
		power:     powerClient,
		reporter:  status.NewReporter(redisClient.Raw(), config.OtaStatusHashKey, cfg.Component, logger),
		sched:     s,
		session: fota.NewSession(slots, s,
			fota.WithAlignment(cfg.Alignment),
			fota.WithRebootDelay(cfg.RebootDelay),
			fota.WithLogger(logger),
		),
		streamer: fetch.NewStreamer(logger, fetch.WithChunkSize(cfg.ChunkSize)),
		releases: NewReleasesAPI(cfg.ReleasesURL),
		logger:   logger,
		ctx:      context.Background(),
	}
}

// Run reports the boot outcome, then serves commands until ctx is done
func (u *Updater) Run(ctx context.Context) error {
	if err := u.reportBoot(ctx); err != nil {
		return err
	}

	commands, cleanup, err := u.redis.Subscribe(u.config.CommandChannel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to command channel: %w", err)
	}
	defer cleanup()

	u.logger.Printf("Listening for firmware commands on %s", u.config.CommandChannel)

	g, ctx := errgroup.WithContext(ctx)
	u.mu.Lock()
	u.ctx = ctx
	u.mu.Unlock()

	g.Go(func() error {
		return u.sched.Run(ctx)
	})
	g.Go(func() error {
		return u.handleCommands(ctx, commands)
	})

	err = g.Wait()
	u.stopDownload()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reportBoot publishes the initial state once, before any session is opened,
// and commits a freshly swapped image so the bootloader keeps it
func (u *Updater) reportBoot(ctx context.Context) error {
	outcome := fota.InitialState(u.slots)

	switch outcome {
	case fota.FreshUpdate:
		u.logger.Printf("Booted into new firmware, confirming image")
		if err := u.slots.ConfirmBoot(); err != nil {
			return fmt.Errorf("failed to confirm new firmware: %w", err)
		}
	case fota.Rollback:
		u.logger.Printf("Previous firmware update was rolled back")
	}

	if err := u.reporter.SetInitialState(ctx, outcome); err != nil {
		return err
	}
	return nil
}

// handleCommands handles messages from the command channel
func (u *Updater) handleCommands(ctx context.Context, commands <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			u.logger.Printf("Command handler stopped")
			return ctx.Err()
		case msg, ok := <-commands:
			if !ok {
				return fmt.Errorf("command channel closed")
			}

			u.logger.Printf("Received command: %s", msg)
			u.handleCommand(ctx, msg)
		}
	}
}

func (u *Updater) handleCommand(ctx context.Context, msg string) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(msg), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case CommandUpdate, CommandUpdateLatest, CommandUpgrade, CommandCancel:
		if u.isUpgradeScheduled() {
			u.logger.Printf("Ignoring %s, upgrade in progress", cmd)
			u.reportError(ctx, ErrorTypeUpgrade, "upgrade in progress")
			return
		}
	}

	switch cmd {
	case CommandUpdate:
		if arg == "" {
			u.reportError(ctx, ErrorTypeCommand, "update requires a URL")
			return
		}
		u.startDownload(arg, "")

	case CommandUpdateLatest:
		release, asset, err := u.releases.Latest(ctx, u.config.AssetSuffix)
		if err != nil {
			u.logger.Printf("Failed to resolve latest release: %v", err)
			u.reportError(ctx, ErrorTypeDownload, err.Error())
			return
		}
		u.logger.Printf("Latest release %s provides %s", release.TagName, asset.Name)
		u.startDownload(asset.BrowserDownloadURL, release.TagName)

	case CommandUpgrade:
		u.upgrade(ctx)

	case CommandCancel:
		u.mu.Lock()
		u.upgradeDeferred = false
		u.mu.Unlock()

		if u.stopDownload() {
			u.logger.Printf("Download cancelled")
		}

	default:
		u.logger.Printf("Unexpected command: %s", msg)
		u.reportError(ctx, ErrorTypeCommand, fmt.Sprintf("unknown command %q", cmd))
	}
}

// stopDownload cancels the running download and waits for its goroutine.
// It reports whether a download was running.
func (u *Updater) stopDownload() bool {
	u.mu.Lock()
	cancel, done := u.cancelDownload, u.downloadDone
	u.cancelDownload, u.downloadDone = nil, nil
	u.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

// startDownload abandons any running download and streams url into a new
// session
func (u *Updater) startDownload(url, version string) {
	if u.stopDownload() {
		u.logger.Printf("Abandoned previous download")
	}

	if err := u.reporter.SetDownloading(u.rootContext(), version); err != nil {
		u.logger.Printf("Failed to report download start: %v", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	ctx, cancel := context.WithCancel(u.ctx)
	done := make(chan struct{})
	u.cancelDownload = cancel
	u.downloadDone = done
	u.upgradeDeferred = false

	go func() {
		defer close(done)
		defer cancel()

		etag, err := u.download(ctx, url)
		u.clearDownload(done)
		u.reportDownload(ctx, url, version, etag, err)
	}()
}

// clearDownload forgets the download owning done, unless stopDownload
// already did
func (u *Updater) clearDownload(done chan struct{}) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.downloadDone == done {
		u.cancelDownload, u.downloadDone = nil, nil
	}
}

// download streams url into the session while holding the download inhibit.
// It returns the entity tag the server sent.
func (u *Updater) download(ctx context.Context, url string) (string, error) {
	root := u.rootContext()

	u.logger.Printf("Starting firmware download from %s", url)

	if err := u.inhibitor.AddDownloadInhibit(root, u.config.Component); err != nil {
		u.logger.Printf("Failed to add download inhibit: %v", err)
	}
	if err := u.power.RequestOndemandGovernor(root); err != nil {
		u.logger.Printf("Failed to request ondemand governor for download: %v", err)
	}
	defer func() {
		// Release the inhibit even when shutting down
		cleanupCtx := context.WithoutCancel(root)
		if err := u.inhibitor.RemoveDownloadInhibit(cleanupCtx, u.config.Component); err != nil {
			u.logger.Printf("Failed to remove download inhibit: %v", err)
		}
		if err := u.power.RequestPowersaveGovernor(cleanupCtx); err != nil {
			u.logger.Printf("Failed to request powersave governor: %v", err)
		}
	}()

	handlers := &scheduledHandlers{ctx: root, sched: u.sched, session: u.session}
	progress := func(downloaded, total int64) {
		if err := u.reporter.SetDownloadProgress(root, downloaded, total); err != nil {
			u.logger.Printf("Failed to report download progress: %v", err)
		}
	}

	err := u.streamer.Stream(ctx, url, handlers, progress)
	return handlers.etag, err
}

func (u *Updater) reportDownload(ctx context.Context, url, version, etag string, err error) {
	root := u.rootContext()

	if err != nil {
		if ctx.Err() != nil {
			u.logger.Printf("Download of %s stopped: %v", url, err)
			if root.Err() == nil {
				if err := u.reporter.SetIdle(root); err != nil {
					u.logger.Printf("Failed to report idle: %v", err)
				}
			}
			return
		}

		u.logger.Printf("Failed to download firmware: %v", err)
		u.reportError(root, downloadErrorType(err), err.Error())
		return
	}

	if version == "" && etag != "" {
		if err := u.reporter.SetUpdateVersion(root, etag); err != nil {
			u.logger.Printf("Failed to report update version: %v", err)
		}
	}

	u.logger.Printf("Firmware image verified and ready for upgrade")
	if err := u.reporter.SetStatus(root, status.StatusDownloaded); err != nil {
		u.logger.Printf("Failed to report downloaded: %v", err)
	}
}

// upgrade accepts the verified image and schedules the reset, provided the
// vehicle state allows a reboot. Otherwise the upgrade is retried every
// RebootCheckInterval until it succeeds or is superseded.
func (u *Updater) upgrade(ctx context.Context) {
	u.mu.Lock()
	downloading := u.cancelDownload != nil
	u.upgradeDeferred = false
	u.mu.Unlock()

	if downloading {
		u.logger.Printf("Upgrade requested while a download is running")
		u.reportError(ctx, ErrorTypeUpgrade, "download in progress")
		return
	}

	safe, err := u.vehicle.IsSafeForReboot()
	if err != nil {
		u.logger.Printf("Failed to check if safe for reboot: %v", err)
		u.reportError(ctx, ErrorTypeUpgrade, err.Error())
		return
	}
	if !safe {
		u.logger.Printf("Not safe to reboot, checking again in %v", u.config.RebootCheckInterval)
		u.mu.Lock()
		u.upgradeDeferred = true
		u.mu.Unlock()
		u.sched.Delayed(u.config.RebootCheckInterval, func() {
			go u.retryUpgrade(ctx)
		})
		return
	}

	if err := u.inhibitor.AddInstallInhibit(ctx, u.config.Component); err != nil {
		u.logger.Printf("Failed to add install inhibit: %v", err)
	}

	err = u.sched.Call(ctx, u.session.PerformUpgrade)
	if err != nil {
		if err := u.inhibitor.RemoveInstallInhibit(ctx, u.config.Component); err != nil {
			u.logger.Printf("Failed to remove install inhibit: %v", err)
		}

		u.logger.Printf("Failed to perform upgrade: %v", err)
		errorType := ErrorTypeUpgrade
		if errors.Is(err, fota.ErrNoVerifiedImage) {
			errorType = ErrorTypeNoImage
		}
		u.reportError(ctx, errorType, err.Error())
		return
	}

	u.mu.Lock()
	u.upgradeScheduled = true
	u.mu.Unlock()

	u.logger.Printf("Upgrade accepted, resetting in %v", u.config.RebootDelay)
	if err := u.reporter.SetStatus(ctx, status.StatusUpdating); err != nil {
		u.logger.Printf("Failed to report updating: %v", err)
	}
}

func (u *Updater) retryUpgrade(ctx context.Context) {
	u.mu.Lock()
	deferred := u.upgradeDeferred
	u.mu.Unlock()

	if !deferred || ctx.Err() != nil {
		return
	}
	u.upgrade(ctx)
}

func (u *Updater) isUpgradeScheduled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.upgradeScheduled
}

func (u *Updater) rootContext() context.Context {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ctx
}

func (u *Updater) reportError(ctx context.Context, errorType, message string) {
	if err := u.reporter.SetError(ctx, errorType, message); err != nil {
		u.logger.Printf("Failed to report error: %v", err)
	}
}

func downloadErrorType(err error) string {
	if _, ok := fota.IsIntegrityError(err); ok {
		return ErrorTypeIntegrity
	}
	if _, ok := fota.IsSinkError(err); ok {
		return ErrorTypeFlash
	}
	return ErrorTypeDownload
}

// scheduledHandlers forwards transport callbacks to the session on the
// scheduler goroutine
type scheduledHandlers struct {
	ctx     context.Context
	sched   *sched.Scheduler
	session fota.Handlers
	etag    string
}

func (h *scheduledHandlers) Open(uri, etag string) error {
	h.etag = etag
	return h.sched.Call(h.ctx, func() error {
		return h.session.Open(uri, etag)
	})
}

func (h *scheduledHandlers) Write(p []byte) error {
	return h.sched.Call(h.ctx, func() error {
		return h.session.Write(p)
	})
}

func (h *scheduledHandlers) Finish() error {
	return h.sched.Call(h.ctx, h.session.Finish)
}

func (h *scheduledHandlers) Reset() {
	h.sched.Call(h.ctx, func() error {
		h.session.Reset()
		return nil
	})
}

func (h *scheduledHandlers) PerformUpgrade() error {
	return h.sched.Call(h.ctx, h.session.PerformUpgrade)
}
