package models

// ContainerSummary mirrors one line of `docker ps --format '{{json .}}'`.
type ContainerSummary struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	Image  string `json:"Image"`
	State  string `json:"State"`
	Status string `json:"Status"`
	Labels string `json:"Labels"`
}

/**
 * A kamal-deployed application discovered on this host
 * @property {string} service - First dot-separated label of the hostname
 * @property {string} containerName - Name of the app container
 * @property {map[string]string} labels - Container labels as reported by docker
 */
type KamalApp struct {
	Service       string            `json:"service"`
	ContainerName string            `json:"containerName"`
	Labels        map[string]string `json:"labels"`
}
