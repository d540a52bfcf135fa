package sync

// Server API paths. The trailing slash is part of the route.
const (
	// public endpoints, usable before any keys exist
	epServerInfo  = "/api/v1/public/server/info/"
	epProjectKeys = "/api/v1/public/keys/project/"
	epReposKeys   = "/api/v1/public/keys/repositories/"

	// safe endpoints, enveloped payloads only
	epComputerID        = "/api/v1/safe/computers/id/"
	epUploadComputer    = "/api/v1/safe/computers/"
	epEOT               = "/api/v1/safe/eot/"
	epProperties        = "/api/v1/safe/computers/properties/"
	epFaultDefinitions  = "/api/v1/safe/computers/faults/definitions/"
	epRepositories      = "/api/v1/safe/computers/repositories/"
	epMandatoryPackages = "/api/v1/safe/computers/packages/mandatory/"
	epDevices           = "/api/v1/safe/computers/devices/"
	epHardwareRequired  = "/api/v1/safe/computers/hardware/required/"
	epUploadErrors      = "/api/v1/safe/computers/errors/"
	epUploadHardware    = "/api/v1/safe/computers/hardware/"
	epUploadAttributes  = "/api/v1/safe/computers/attributes/"
	epUploadFaults      = "/api/v1/safe/computers/faults/"
	epUploadSoftware    = "/api/v1/safe/computers/software/"
	epUploadSync        = "/api/v1/safe/synchronizations/"
)
