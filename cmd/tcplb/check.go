package main

import (
	"errors"
	"fmt"

	"tcplb"
)

func check(args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	resolved := config.Resolve()
	pool := tcplb.NewBackendPool(nil)
	var errs []error
	for _, group := range resolved.Groups {
		err := pool.Register(group.Name, group.Addresses)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Printf("backend group %s: %v\n", group.Name, group.Addresses)
	}
	for _, f := range resolved.Frontends {
		if !pool.Has(f.Group) {
			errs = append(errs, fmt.Errorf("%w: frontend %s: backend group %q is not usable", tcplb.ErrConfig, f.Name, f.Group))
			continue
		}
		fmt.Printf("frontend %s: %s %s -> %s\n", f.Name, f.Net, f.Address, f.Group)
	}
	fmt.Printf("%+v\n", config.Options())
	return errors.Join(errs...)
}
