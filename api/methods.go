package api

// Daemon methods.
const (
	MethodStatus = "chainspace.status"
	MethodStop   = "chainspace.stop"
)

// Chainstore service.
const (
	MethodOpen   = "chainstore.open"
	NotifyOnFeed = "chainstore.onFeed"
)

// Unichain service.
const (
	MethodGet                 = "unichain.get"
	MethodCancel              = "unichain.cancel"
	MethodAppend              = "unichain.append"
	MethodUpdate              = "unichain.update"
	MethodSeek                = "unichain.seek"
	MethodHas                 = "unichain.has"
	MethodDownload            = "unichain.download"
	MethodUndownload          = "unichain.undownload"
	MethodRegisterExtension   = "unichain.registerExtension"
	MethodUnregisterExtension = "unichain.unregisterExtension"
	MethodSendExtension       = "unichain.sendExtension"
	MethodDownloaded          = "unichain.downloaded"
	MethodAcquireLock         = "unichain.acquireLock"
	MethodReleaseLock         = "unichain.releaseLock"
	MethodWatchDownloads      = "unichain.watchDownloads"
	MethodUnwatchDownloads    = "unichain.unwatchDownloads"
	MethodWatchUploads        = "unichain.watchUploads"
	MethodUnwatchUploads      = "unichain.unwatchUploads"
	MethodClose               = "unichain.close"

	NotifyOnAppend     = "unichain.onAppend"
	NotifyOnPeerOpen   = "unichain.onPeerOpen"
	NotifyOnPeerRemove = "unichain.onPeerRemove"
	NotifyOnClose      = "unichain.onClose"
	NotifyOnWait       = "unichain.onWait"
	NotifyOnExtension  = "unichain.onExtension"
	NotifyOnDownload   = "unichain.onDownload"
	NotifyOnUpload     = "unichain.onUpload"
)

// Network service.
const (
	MethodConfigure            = "network.configure"
	MethodGetConfiguration     = "network.getConfiguration"
	MethodGetAllConfigurations = "network.getAllConfigurations"
)
