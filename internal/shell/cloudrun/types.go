package cloudrun

import (
	"strconv"

	"github.com/artpar/runway/internal/core/spec"
)

// =============================================================================
// Knative Serving v1 Payloads
// =============================================================================

// Annotation keys the platform reads from service and template metadata.
const (
	annotationIngress  = "run.googleapis.com/ingress"
	annotationMinScale = "autoscaling.knative.dev/minScale"
	annotationMaxScale = "autoscaling.knative.dev/maxScale"
)

// serviceObject is the serving.knative.dev/v1 Service resource.
type serviceObject struct {
	APIVersion string         `json:"apiVersion"`
	Kind       string         `json:"kind"`
	Metadata   objectMeta     `json:"metadata"`
	Spec       serviceSpec    `json:"spec"`
	Status     *serviceStatus `json:"status,omitempty"`
}

type objectMeta struct {
	Name        string            `json:"name"`
	Namespace   string            `json:"namespace,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

type serviceSpec struct {
	Template revisionTemplate `json:"template"`
}

type revisionTemplate struct {
	Metadata objectMeta   `json:"metadata"`
	Spec     revisionSpec `json:"spec"`
}

type revisionSpec struct {
	ContainerConcurrency int         `json:"containerConcurrency,omitempty"`
	Containers           []container `json:"containers"`
}

type container struct {
	Image     string        `json:"image"`
	Ports     []port        `json:"ports,omitempty"`
	Env       []envVar      `json:"env,omitempty"`
	Resources resourceLimit `json:"resources"`
}

type port struct {
	ContainerPort int `json:"containerPort"`
}

type envVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type resourceLimit struct {
	Limits map[string]string `json:"limits"`
}

type serviceStatus struct {
	URL                       string      `json:"url,omitempty"`
	LatestCreatedRevisionName string      `json:"latestCreatedRevisionName,omitempty"`
	LatestReadyRevisionName   string      `json:"latestReadyRevisionName,omitempty"`
	Conditions                []condition `json:"conditions,omitempty"`
}

type condition struct {
	Type    string `json:"type"`
	Status  string `json:"status"` // "True", "False", "Unknown"
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// iamPolicy is the subset of the IAM policy resource needed to open a
// service to unauthenticated invocation.
type iamPolicy struct {
	Bindings []iamBinding `json:"bindings"`
}

type iamBinding struct {
	Role    string   `json:"role"`
	Members []string `json:"members"`
}

type setIamPolicyRequest struct {
	Policy iamPolicy `json:"policy"`
}

// =============================================================================
// Payload Construction
// =============================================================================

// buildServiceObject renders a desired ServiceSpec plus resolved image into
// the platform's Service resource.
func buildServiceObject(project string, svc spec.ServiceSpec, image string) serviceObject {
	env := make([]envVar, 0, len(svc.Env)+1)
	for _, k := range svc.EnvKeys() {
		env = append(env, envVar{Name: k, Value: svc.Env[k]})
	}
	// The container is expected to listen on PORT; default it from the
	// declared container port. A manifest-set PORT wins.
	if _, set := svc.Env["PORT"]; !set {
		env = append(env, envVar{Name: "PORT", Value: strconv.Itoa(svc.ContainerPort)})
	}

	templateAnnotations := map[string]string{}
	if svc.MinInstances > 0 {
		templateAnnotations[annotationMinScale] = strconv.Itoa(svc.MinInstances)
	}
	if svc.MaxInstances > 0 {
		templateAnnotations[annotationMaxScale] = strconv.Itoa(svc.MaxInstances)
	}

	return serviceObject{
		APIVersion: "serving.knative.dev/v1",
		Kind:       "Service",
		Metadata: objectMeta{
			Name:      svc.Name,
			Namespace: project,
			Annotations: map[string]string{
				annotationIngress: svc.Ingress,
			},
		},
		Spec: serviceSpec{
			Template: revisionTemplate{
				Metadata: objectMeta{Annotations: templateAnnotations},
				Spec: revisionSpec{
					ContainerConcurrency: svc.Concurrency,
					Containers: []container{
						{
							Image: image,
							Ports: []port{{ContainerPort: svc.ContainerPort}},
							Env:   env,
							Resources: resourceLimit{
								Limits: map[string]string{
									"cpu":    svc.CPU,
									"memory": svc.Memory,
								},
							},
						},
					},
				},
			},
		},
	}
}

// =============================================================================
// Observed Status
// =============================================================================

// ServiceStatus is the condensed observed state of a remote service.
type ServiceStatus struct {
	// Ready is true once the platform reports the Ready condition True.
	Ready bool

	// Failed is true when the Ready condition is False (a terminal state
	// for the revision, as opposed to Unknown while rolling out).
	Failed bool

	// Reason carries the platform's message for a failed condition.
	Reason string

	URL        string
	RevisionID string
}

// statusFromObject condenses the platform's condition list.
func statusFromObject(obj serviceObject) ServiceStatus {
	st := ServiceStatus{}
	if obj.Status == nil {
		return st
	}

	st.URL = obj.Status.URL
	st.RevisionID = obj.Status.LatestCreatedRevisionName

	for _, cond := range obj.Status.Conditions {
		if cond.Type != "Ready" {
			continue
		}
		switch cond.Status {
		case "True":
			st.Ready = true
		case "False":
			st.Failed = true
			st.Reason = cond.Message
			if st.Reason == "" {
				st.Reason = cond.Reason
			}
		}
	}
	return st
}
