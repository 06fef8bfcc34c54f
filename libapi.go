package courier

import (
	runtimepkg "github.com/drblury/courier/internal/runtime"
	addresspkg "github.com/drblury/courier/internal/runtime/address"
	configpkg "github.com/drblury/courier/internal/runtime/config"
	envelopepkg "github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	idspkg "github.com/drblury/courier/internal/runtime/ids"
	jobspkg "github.com/drblury/courier/internal/runtime/jobs"
	jsoncodec "github.com/drblury/courier/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/transport"

	// Every bundled backend registers itself with the transport registry.
	_ "github.com/drblury/courier/transport/transports"
)

type (
	Config             = configpkg.Config
	Client             = runtimepkg.Client
	ClientDependencies = runtimepkg.ClientDependencies

	PublishRequest   = runtimepkg.PublishRequest
	SubscribeRequest = runtimepkg.SubscribeRequest
	JobRequest       = runtimepkg.JobRequest
	ReceivedMessage  = runtimepkg.ReceivedMessage
	AckRef           = runtimepkg.AckRef

	MessageHandler  = runtimepkg.MessageHandler
	EventHandler    = runtimepkg.EventHandler
	ResponseHandler = runtimepkg.ResponseHandler

	// Delivery hooks
	DeliveryContext = runtimepkg.DeliveryContext
	DeliveryHooks   = runtimepkg.DeliveryHooks

	// Background jobs
	JobDescriptor   = jobspkg.Descriptor
	JobRegistry     = jobspkg.Registry
	JobTarget       = jobspkg.Target
	JobTypeSpec     = jobspkg.TypeSpec
	JobLoaderFunc   = jobspkg.LoaderFunc
	JobMethodFunc   = jobspkg.MethodFunc
	JobRecoveryHook = jobspkg.RecoveryHook
	TableRegistry   = jobspkg.TableRegistry

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ConfigValidationError  = errspkg.ConfigValidationError
	RequestValidationError = errspkg.RequestValidationError
	HandlerError           = errspkg.HandlerError

	// Transports
	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
	ConsumerOptions       = transport.ConsumerOptions
	Role                  = transport.Role
)

var (
	Open           = runtimepkg.Open
	MustOpen       = runtimepkg.MustOpen
	WithClient     = runtimepkg.WithClient
	ValidateConfig = configpkg.ValidateConfig

	LoggingHooks = runtimepkg.LoggingHooks

	NewTableRegistry = jobspkg.NewTableRegistry

	QueueAddress    = addresspkg.QueueAddress
	TopicAddress    = addresspkg.TopicAddress
	ResponseAddress = addresspkg.ResponseAddress

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ErrServiceRequired    = errspkg.ErrServiceRequired
	ErrMessageRequired    = errspkg.ErrMessageRequired
	ErrEventRequired      = errspkg.ErrEventRequired
	ErrHandlerRequired    = errspkg.ErrHandlerRequired
	ErrClassNameRequired  = errspkg.ErrClassNameRequired
	ErrMethodNameRequired = errspkg.ErrMethodNameRequired
	ErrInvalidRequest     = errspkg.ErrInvalidRequest
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrTransportRequired  = errspkg.ErrTransportRequired
	ErrClientClosed       = errspkg.ErrClientClosed
	ErrUnknownEncoding    = errspkg.ErrUnknownEncoding
	ErrNotSupported       = errspkg.ErrNotSupported
	ErrJobTimeout         = errspkg.ErrJobTimeout
	ErrUnknownJobType     = errspkg.ErrUnknownJobType
	ErrUnknownJobMethod   = errspkg.ErrUnknownJobMethod
	ErrNoReply            = errspkg.ErrNoReply
	ErrTopicNotReady      = transport.ErrTopicNotReady

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewZerologServiceLogger   = loggingpkg.NewZerologServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID       = idspkg.CreateULID
	NewCorrelationID = idspkg.NewCorrelationID
)

// Roles and encodings.
const (
	RoleQueue = transport.RoleQueue
	RoleTopic = transport.RoleTopic

	EncodingJSON = envelopepkg.EncodingJSON
	EncodingYAML = envelopepkg.EncodingYAML
)

// Reserved envelope headers. Any other header is caller data.
const (
	HeaderEncoding      = addresspkg.HeaderEncoding
	HeaderSender        = addresspkg.HeaderSender
	HeaderMessageType   = addresspkg.HeaderMessageType
	HeaderEventType     = addresspkg.HeaderEventType
	HeaderClassName     = addresspkg.HeaderClassName
	HeaderCorrelationID = addresspkg.HeaderCorrelationID
)

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
