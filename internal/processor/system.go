package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"opsbus/internal/models"
	"opsbus/internal/service"
)

// JobTypeRecoverySweep is the system job that runs one recovery pass.
const JobTypeRecoverySweep = "RECOVERY_SWEEP"

// SystemProcessor executes maintenance jobs on the system queue.
func SystemProcessor(sweep *service.RecoverySweep) service.ProcessorFunc {
	return func(ctx context.Context, job *models.Job) (json.RawMessage, error) {
		switch job.Type {
		case JobTypeRecoverySweep:
			result, err := sweep.Run(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)
		default:
			return nil, fmt.Errorf("unknown system job type: %s", job.Type)
		}
	}
}
