package server

import (
	"errors"
	"fmt"

	"github.com/raterudder/optimshine/pkg/types"
)

// selectPlant picks the plant by name. Without a name the account must have
// exactly one plant.
func selectPlant(plants map[string]types.Plant, name string) (types.Plant, error) {
	if len(plants) == 0 {
		return types.Plant{}, errors.New("plants list is empty")
	}
	if name != "" {
		p, ok := plants[name]
		if !ok {
			return types.Plant{}, fmt.Errorf("%s not found in the plant list, check your plant name in Monitoring->Plant", name)
		}
		return p, nil
	}
	if len(plants) == 1 {
		for _, p := range plants {
			return p, nil
		}
	}
	return types.Plant{}, errors.New("you must set SHINE_PLANT if you have more than one plant")
}
