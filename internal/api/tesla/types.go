package tesla

// Order 订单摘要，来自 /api/1/users/orders
type Order struct {
	ReferenceNumber string   `json:"referenceNumber"`
	OrderStatus     string   `json:"orderStatus"`
	ModelCode       string   `json:"modelCode"`
	VIN             string   `json:"vin"`
	OptionCodeList  []string `json:"optionCodeList"`
}

// OrderDetails 订单任务详情，来自 tasks 网关
type OrderDetails struct {
	Tasks OrderTasks `json:"tasks"`
}

// OrderTasks 订单任务集合
type OrderTasks struct {
	Scheduling   SchedulingTask   `json:"scheduling"`
	Registration RegistrationTask `json:"registration"`
}

// SchedulingTask 交付排期信息
type SchedulingTask struct {
	DeliveryWindowDisplay string `json:"deliveryWindowDisplay"`
}

// RegistrationTask 注册/文件任务
type RegistrationTask struct {
	Tasks []RegistrationStep `json:"tasks"`
}

// RegistrationStep 单个注册步骤
type RegistrationStep struct {
	Name     string `json:"name"`
	Complete bool   `json:"complete"`
	Status   string `json:"status"`
}

// BlockingSteps 返回未完成的阻塞步骤名称
func (d *OrderDetails) BlockingSteps() []string {
	var blocking []string
	for _, step := range d.Tasks.Registration.Tasks {
		if !step.Complete && step.Status != "COMPLETE" {
			blocking = append(blocking, step.Name)
		}
	}
	return blocking
}
