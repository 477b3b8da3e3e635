package epub

import "errors"

// Malformed container errors.
var (
	ErrMimetypeNotFound   = errors.New("epub: mimetype file not found")
	ErrContainerNotFound  = errors.New("epub: META-INF/container.xml not found")
	ErrOPFPathNotFound    = errors.New("epub: OPF path not found in container.xml")
	ErrInvalidPackage     = errors.New("epub: invalid package document")
	ErrUnsupportedVersion = errors.New("epub: unsupported EPUB version")
	ErrMissingMetadata    = errors.New("epub: required metadata element missing")
	ErrMissingFile        = errors.New("epub: file referenced by the package is missing")
	ErrPathEscapesRoot    = errors.New("epub: path escapes the container root")
)

// Precondition errors.
var (
	ErrNotPrePaginated   = errors.New("epub: publication is not pre-paginated")
	ErrDuplicateResource = errors.New("epub: resource already exists")
	ErrReservedHref      = errors.New("epub: href uses the reserved prefix")
	ErrInvalidHref       = errors.New("epub: href must be a relative path inside the content directory")
	ErrCoverAlreadyAdded = errors.New("epub: cover already added")
	ErrTOCAlreadyAdded   = errors.New("epub: table of contents already added")
	ErrWriterClosed      = errors.New("epub: writer is closed")
	ErrResourceOpen      = errors.New("epub: previous resource is still being written")
	ErrOutputNotEmpty    = errors.New("epub: output directory is not empty")
	ErrInvalidOverride   = errors.New("epub: file name override not allowed")
	ErrInvalidMetadata   = errors.New("epub: invalid metadata value")
	ErrInvalidCoverType  = errors.New("epub: cover media type has no known extension")
)
