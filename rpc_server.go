package pvscope

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"
)

// ScopeControl is the JSON-RPC service that configures and operates a Scope.
// Every call runs on the Scope's event loop, so it never overlaps a draw. net/rpc serves
// each request on its own goroutine; mu serializes the calls that read or change settings.
type ScopeControl struct {
	scope    *Scope
	settings ScopeSettings // the settings as last configured by a client
	mu       sync.Mutex
}

// NewScopeControl wraps a Scope; settings is the configuration the Scope was built from.
func NewScopeControl(scope *Scope, settings ScopeSettings) *ScopeControl {
	return &ScopeControl{scope: scope, settings: settings}
}

// PVArgs names a PV, optionally with a "ca://" or "pva://" prefix.
type PVArgs struct {
	PV      string
	Restart bool // UpdateDevice only: restart acquisition on the new PV
}

// UpdateDevice changes the subject PV.
func (s *ScopeControl) UpdateDevice(args *PVArgs, reply *bool) error {
	UpdateLogger.Printf("UpdateDevice: %q restart=%t", args.PV, args.Restart)
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.scope.Do(func() error {
		return s.scope.UpdateDevice(args.PV, args.Restart)
	})
	*reply = (err == nil)
	if err == nil {
		s.settings.PV = args.PV
		s.scope.SendAllStatus()
	}
	return err
}

// UpdateTrigger changes the trigger PV; the reply lists its top-level fields.
func (s *ScopeControl) UpdateTrigger(args *PVArgs, reply *[]string) error {
	UpdateLogger.Printf("UpdateTrigger: %q", args.PV)
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.scope.Do(func() error {
		fields, err := s.scope.UpdateTrigger(args.PV)
		*reply = fields
		return err
	})
	if err == nil {
		s.settings.Trigger = args.PV
		s.scope.SendAllStatus()
	}
	return err
}

// TriggerArgs configures the trigger engine.
type TriggerArgs struct {
	Mode      string // none, onchange, gtthreshold or ltthreshold
	Level     float64
	TimeField string
}

// ConfigureTrigger sets the trigger mode, level and time field.
func (s *ScopeControl) ConfigureTrigger(args *TriggerArgs, reply *bool) error {
	UpdateLogger.Printf("ConfigureTrigger: %+v", *args)
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.scope.Do(func() error {
		return s.scope.ConfigureTrigger(args.Mode, args.Level, args.TimeField)
	})
	*reply = (err == nil)
	if err == nil {
		s.settings.TriggerMode = args.Mode
		s.settings.TriggerLevel = args.Level
		s.settings.TriggerTimeField = args.TimeField
		s.scope.SendAllStatus()
	}
	return err
}

// ConfigureBuffer sets the buffer length in samples.
func (s *ScopeControl) ConfigureBuffer(n *int, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.scope.Do(func() error {
		return s.scope.ConfigureBuffer(*n)
	})
	*reply = (err == nil)
	if err == nil {
		s.settings.Buffer = *n
	}
	return err
}

// ApplySuggestedBufferSize resizes the buffer to the size suggested after a missed trigger.
func (s *ScopeControl) ApplySuggestedBufferSize(dummy *string, reply *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.scope.Do(func() error {
		n, err := s.scope.ApplySuggestedBufferSize()
		*reply = n
		return err
	})
	if err == nil {
		s.settings.Buffer = *reply
		s.scope.SendAllStatus()
	}
	return err
}

// PipelineArgs selects the signal processing applied to every curve.
type PipelineArgs struct {
	Min, Max  *float64
	Diff      bool
	Transform string // none, fft or psd
	Window    string // none or hamming
	Histogram bool
	Bins      int
	Average   int
}

// ConfigurePipeline replaces the signal pipeline.
func (s *ScopeControl) ConfigurePipeline(args *PipelineArgs, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.settings
	next.Min, next.Max = args.Min, args.Max
	next.Diff = args.Diff
	next.Transform = args.Transform
	next.FFTFilter = args.Window
	next.Histogram = args.Histogram
	next.NumBins = args.Bins
	next.Average = args.Average
	config, err := next.PipelineConfig()
	if err != nil {
		return err
	}
	err = s.scope.Do(func() error {
		return s.scope.ConfigurePipeline(config)
	})
	*reply = (err == nil)
	if err == nil {
		s.settings = next
	}
	return err
}

// ConfigureChannels sets the plotted channels and their styles.
func (s *ScopeControl) ConfigureChannels(args *[]ChannelSettings, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.settings
	next.Channels = *args
	styles, err := next.ChannelStyles()
	if err != nil {
		return err
	}
	err = s.scope.Do(func() error {
		return s.scope.ConfigureChannels(styles)
	})
	*reply = (err == nil)
	if err == nil {
		s.settings = next
		s.scope.SendAllStatus()
	}
	return err
}

// ConfigureRefresh sets the draw period in milliseconds.
func (s *ScopeControl) ConfigureRefresh(ms *int, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.scope.Do(func() error {
		return s.scope.ConfigureRefresh(time.Duration(*ms) * time.Millisecond)
	})
	*reply = (err == nil)
	if err == nil {
		s.settings.Refresh = *ms
	}
	return err
}

// FieldDescriptorsReply lists the fields of the subject PV.
type FieldDescriptorsReply struct {
	Arrays  []string
	Scalars []string
}

// FieldDescriptors introspects the subject PV.
func (s *ScopeControl) FieldDescriptors(dummy *string, reply *FieldDescriptorsReply) error {
	arrays, scalars, err := s.scope.FieldDescriptors()
	if err != nil {
		return err
	}
	reply.Arrays, reply.Scalars = arrays, scalars
	return nil
}

// Start opens the channels and begins acquisition.
func (s *ScopeControl) Start(dummy *string, reply *bool) error {
	if s.scope.Running() {
		return fmt.Errorf("scope is already running (you should call Stop)")
	}
	err := s.scope.Do(s.scope.Start)
	*reply = (err == nil)
	return err
}

// Stop ends acquisition.
func (s *ScopeControl) Stop(dummy *string, reply *bool) error {
	if !s.scope.Running() {
		return fmt.Errorf("scope is not running")
	}
	err := s.scope.Do(func() error {
		s.scope.Stop()
		return nil
	})
	*reply = (err == nil)
	return err
}

// SaveSnapshot writes the last frame as .npy files under the given base path.
func (s *ScopeControl) SaveSnapshot(basepath *string, reply *[]string) error {
	path := *basepath
	if path == "" {
		path = s.dataPath()
	}
	files, err := s.scope.SaveSnapshot(path)
	*reply = files
	return err
}

// StartRecording begins recording captured trigger windows under the given base path.
// The reply is the file name pattern of the new run.
func (s *ScopeControl) StartRecording(basepath *string, reply *string) error {
	path := *basepath
	if path == "" {
		path = s.dataPath()
	}
	pattern, err := s.scope.StartRecording(path)
	*reply = pattern
	if err == nil {
		s.scope.SendAllStatus()
	}
	return err
}

// StopRecording closes the recording files.
func (s *ScopeControl) StopRecording(dummy *string, reply *bool) error {
	err := s.scope.StopRecording()
	*reply = (err == nil)
	s.scope.SendAllStatus()
	return err
}

// PauseRecording pauses (true) or resumes (false) the recording.
func (s *ScopeControl) PauseRecording(paused *bool, reply *bool) error {
	err := s.scope.PauseRecording(*paused)
	*reply = (err == nil)
	if err == nil {
		s.scope.SendAllStatus()
	}
	return err
}

// Settings returns the settings as last configured.
func (s *ScopeControl) Settings(dummy *string, reply *ScopeSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*reply = s.settings
	reply.Channels = append([]ChannelSettings(nil), s.settings.Channels...)
	return nil
}

func (s *ScopeControl) dataPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.DataPath
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info.
func (s *ScopeControl) SendAllStatus(dummy *string, reply *bool) error {
	s.scope.SendAllStatus()
	*reply = true
	return nil
}

// ServeRPC accepts connections on ln and serves the ScopeControl service over JSON-RPC on
// each, until ln is closed.
func ServeRPC(ln net.Listener, control *ScopeControl) error {
	server := rpc.NewServer()
	if err := server.Register(control); err != nil {
		return err
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		UpdateLogger.Printf("new RPC connection from %v", conn.RemoteAddr())
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// RunRPCServer sets up and runs a permanent JSON-RPC server on portrpc.
func RunRPCServer(control *ScopeControl, portrpc int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", portrpc))
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	defer listener.Close()
	return ServeRPC(listener, control)
}
