package toolbridge

import (
	"context"

	runtimepkg "github.com/drblury/toolbridge/internal/runtime"
	configpkg "github.com/drblury/toolbridge/internal/runtime/config"
	"github.com/drblury/toolbridge/internal/runtime/coordinator"
	"github.com/drblury/toolbridge/internal/runtime/directory"
	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
	idspkg "github.com/drblury/toolbridge/internal/runtime/ids"
	jsoncodec "github.com/drblury/toolbridge/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/toolbridge/internal/runtime/logging"
	metadatapkg "github.com/drblury/toolbridge/internal/runtime/metadata"
	"github.com/drblury/toolbridge/internal/runtime/protocol"
	"github.com/drblury/toolbridge/internal/runtime/registration"
	newtransport "github.com/drblury/toolbridge/transport"
)

type (
	Config                = configpkg.Config
	Gateway               = runtimepkg.Gateway
	GatewayDependencies   = runtimepkg.GatewayDependencies
	Hooks                 = coordinator.Hooks
	Handler               = coordinator.Handler
	DirectoryLog          = directory.Log
	Registration          = registration.Registration
	RegistrationBase      = registration.Base
	Tool                  = registration.Tool
	Resource              = registration.Resource
	RegistrationKind      = registration.Kind
	Request               = protocol.Request
	Response              = protocol.Response
	ResponseStatus        = protocol.Status
	ResourceContent       = protocol.ResourceContent
	LogFields             = loggingpkg.LogFields
	ServiceLogger         = loggingpkg.ServiceLogger
	ConfigValidationError = errspkg.ConfigValidationError
	TimeoutError          = errspkg.TimeoutError
	ResponseError         = errspkg.ResponseError
	HandlerInitError      = errspkg.HandlerInitError

	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
	Transport             = newtransport.Transport
	Delivery              = newtransport.Delivery
)

const (
	KindTool                  = registration.KindTool
	KindResource              = registration.KindResource
	DefaultCorrelationIDField = registration.DefaultCorrelationIDField
	DefaultConfigPrefix       = configpkg.DefaultPrefix

	StatusCompleted     = protocol.StatusCompleted
	StatusFailed        = protocol.StatusFailed
	StatusError         = protocol.StatusError
	StatusInputRequired = protocol.StatusInputRequired

	// Gateways read responses with Broadcast; workers read requests with
	// Shared so each request runs once per group.
	Broadcast = newtransport.Broadcast
	Shared    = newtransport.Shared
)

var (
	LoadConfig       = configpkg.Load
	ValidateConfig   = configpkg.ValidateConfig
	NewGateway       = runtimepkg.NewGateway
	OpenDirectoryLog = runtimepkg.OpenDirectoryLog
	NewMemoryLog     = directory.NewMemoryLog

	NewTool            = registration.NewTool
	NewResource        = registration.NewResource
	EncodeRegistration = registration.Encode
	DecodeRegistration = registration.Decode

	// Worker-side envelope helpers.
	EncodeCorrelationKey = protocol.EncodeKey
	DecodeResponse       = protocol.DecodeResponse
	Completed            = protocol.Completed
	Failed               = protocol.Failed
	RecordKey            = metadatapkg.RecordKey
	SetRecordKey         = metadatapkg.SetRecordKey

	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	GetCapabilities          = newtransport.GetCapabilities
	WithDelivery             = newtransport.WithDelivery

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewWatermillAdapter  = loggingpkg.NewWatermillAdapter
	NewCorrelationID     = idspkg.NewCorrelationID

	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrTimeout               = errspkg.ErrTimeout
	ErrInputRequired         = errspkg.ErrInputRequired
	ErrTemplateNotSupported  = errspkg.ErrTemplateNotSupported
	ErrCorrelationSuperseded = errspkg.ErrCorrelationSuperseded
	ErrMessageTooLarge       = errspkg.ErrMessageTooLarge
)

// Announce writes reg to the directory log so that every gateway reading the
// log picks it up. Workers call it at startup.
func Announce(ctx context.Context, log DirectoryLog, reg Registration) error {
	return directory.New(log, nil).Put(ctx, reg)
}

// Withdraw writes a tombstone for name.
func Withdraw(ctx context.Context, log DirectoryLog, name string) error {
	return directory.New(log, nil).Remove(ctx, name)
}
