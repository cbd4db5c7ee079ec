package camera

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/bryanchriswhite/PipeScope/internal/logger"
)

// Access decides whether the process may open a camera
type Access interface {
	IsCameraPresent() (bool, error)
	AccessCamera(ctx context.Context) error

	// OpenPipeWireRemote returns a PipeWire fd limited to camera nodes. The caller owns it.
	OpenPipeWireRemote() (int, error)

	Close() error
}

// Portal D-Bus constants
const (
	portalService = "org.freedesktop.portal.Desktop"
	portalPath    = "/org/freedesktop/portal/desktop"
	cameraIface   = "org.freedesktop.portal.Camera"
	requestIface  = "org.freedesktop.portal.Request"
)

// Portal response codes
const (
	responseSuccess   uint32 = 0
	responseCancelled uint32 = 1
)

// DefaultAccessTimeout bounds how long the user has to answer the permission dialog
const DefaultAccessTimeout = 60 * time.Second

// Portal asks xdg-desktop-portal for camera access over the session bus
type Portal struct {
	conn    *dbus.Conn
	timeout time.Duration
	seq     atomic.Uint64
}

var _ Access = (*Portal)(nil)

// NewPortal connects to the session bus
func NewPortal() (*Portal, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return &Portal{conn: conn, timeout: DefaultAccessTimeout}, nil
}

// Close closes the bus connection
func (p *Portal) Close() error {
	return p.conn.Close()
}

// IsCameraPresent reads the portal's IsCameraPresent property
func (p *Portal) IsCameraPresent() (bool, error) {
	v, err := p.conn.Object(portalService, portalPath).GetProperty(cameraIface + ".IsCameraPresent")
	if err != nil {
		return false, fmt.Errorf("read IsCameraPresent: %w", err)
	}
	present, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("unexpected IsCameraPresent type: %T", v.Value())
	}
	return present, nil
}

// AccessCamera requests access and waits for the user's answer
func (p *Portal) AccessCamera(ctx context.Context) error {
	log := logger.WithComponent("portal")
	obj := p.conn.Object(portalService, portalPath)

	token := fmt.Sprintf("pipescope%d_%d", os.Getpid(), p.seq.Add(1))
	options := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(token),
	}

	// Set up response channel BEFORE making the call
	responseChan := make(chan *dbus.Signal, 10)

	matchRule := fmt.Sprintf("type='signal',interface='%s',member='Response'", requestIface)
	if err := p.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		log.Warn().Err(err).Msg("Failed to add match rule")
	}

	p.conn.Signal(responseChan)
	defer p.conn.RemoveSignal(responseChan)

	var requestPath dbus.ObjectPath
	if err := obj.Call(cameraIface+".AccessCamera", 0, options).Store(&requestPath); err != nil {
		return fmt.Errorf("AccessCamera call failed: %w", err)
	}

	log.Info().Str("request_path", string(requestPath)).Msg("Waiting for AccessCamera response (portal dialog may appear)")

	timeout := time.NewTimer(p.timeout)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			p.closeRequest(requestPath)
			return ctx.Err()
		case <-timeout.C:
			p.closeRequest(requestPath)
			return fmt.Errorf("timeout waiting for AccessCamera response")
		case sig := <-responseChan:
			log.Debug().
				Str("signal_path", string(sig.Path)).
				Str("signal_name", sig.Name).
				Msg("Received signal")

			matched, err := parseResponse(sig, requestPath)
			if !matched {
				continue
			}
			if err == nil {
				log.Info().Msg("Camera access granted")
			}
			return err
		}
	}
}

// OpenPipeWireRemote returns a PipeWire fd limited to camera nodes
func (p *Portal) OpenPipeWireRemote() (int, error) {
	var fd dbus.UnixFD
	err := p.conn.Object(portalService, portalPath).
		Call(cameraIface+".OpenPipeWireRemote", 0, map[string]dbus.Variant{}).
		Store(&fd)
	if err != nil {
		return -1, fmt.Errorf("OpenPipeWireRemote call failed: %w", err)
	}
	return int(fd), nil
}

func (p *Portal) closeRequest(path dbus.ObjectPath) {
	p.conn.Object(portalService, path).Call(requestIface+".Close", 0)
}

// parseResponse reports whether sig answers requestPath and, if so, the outcome
func parseResponse(sig *dbus.Signal, requestPath dbus.ObjectPath) (bool, error) {
	if sig == nil || sig.Path != requestPath || sig.Name != requestIface+".Response" {
		return false, nil
	}
	if len(sig.Body) < 1 {
		return true, fmt.Errorf("invalid response")
	}
	code, ok := sig.Body[0].(uint32)
	if !ok {
		return true, fmt.Errorf("invalid response code type: %T", sig.Body[0])
	}
	switch code {
	case responseSuccess:
		return true, nil
	case responseCancelled:
		return true, fmt.Errorf("%w: cancelled by user", ErrAccessDenied)
	default:
		return true, fmt.Errorf("%w: portal code %d", ErrAccessDenied, code)
	}
}
