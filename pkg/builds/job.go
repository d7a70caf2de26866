package builds

// Job is the payload handed to the external builder. It mirrors the build
// row plus the repository context the builder needs to fetch and compile
// the plugin.
type Job struct {
	BuildID        string `json:"buildId"`
	PluginID       string `json:"pluginId"`
	Version        string `json:"version"`
	TarballURL     string `json:"tarballUrl"`
	ReleaseTag     string `json:"releaseTag"`
	Changelog      string `json:"changelog"`
	IsPrerelease   bool   `json:"isPrerelease"`
	PluginPath     string `json:"pluginPath"`
	InstallationID int64  `json:"installationId"`
}
